package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/expression"
)

// RuntimeSpec defines a new runtime attribute.
type RuntimeSpec struct {
	// ID of the new attribute; a random one is assigned if zero.
	ID       attributetwin.AttributeID
	AssetID  attributetwin.AssetID
	Name     string
	DataType attributetwin.DataType
	// Expression is a template with ${attributeId}$ placeholders.
	Expression string
	// TriggerAttributeID optionally names a primary trigger, which need not be
	// referenced by the expression.
	TriggerAttributeID *attributetwin.AttributeID
	// EnabledExpression selects whether the engine derives the value of the
	// attribute. Otherwise, values are provided with PublishRuntimeAttributePoint.
	EnabledExpression bool
}

// CreateRuntimeAttribute validates and stores a new runtime attribute.
//
// The expression may reference the attributes of the owning asset and the
// given inputs, typically the attributes created by the same request. The
// trigger set of the new attribute is the primary trigger, if any, followed by
// the attributes referenced by the expression. The primary trigger must be one
// of the inputs. Neither changes after creation.
//
// Errors are marked attributetwin.ErrValidation, unless the store fails.
func (e *Engine) CreateRuntimeAttribute(ctx context.Context, spec RuntimeSpec, inputs []attributetwin.Attribute) (attributetwin.AttributeID, error) {
	if spec.ID.IsZero() {
		spec.ID = attributetwin.NewAttributeID()
	}
	logger := component.Logger(ctx).With(slog.Any("attribute-id", spec.ID), slog.Any("asset-id", spec.AssetID))
	ctx = component.InjectLogger(ctx, logger)

	r := attributetwin.RuntimeAttribute{
		Descriptor: attributetwin.Descriptor{
			ID:       spec.ID,
			AssetID:  spec.AssetID,
			Name:     spec.Name,
			DataType: spec.DataType,
		},
		Expression:        spec.Expression,
		EnabledExpression: spec.EnabledExpression,
	}
	if spec.DataType == attributetwin.TypeUnknown {
		return attributetwin.AttributeID{}, errors.Mark(errors.New("runtime attribute requires a data type"), attributetwin.ErrValidation)
	}

	var program expression.Program
	if spec.EnabledExpression {
		candidates, err := e.candidates(ctx, spec.AssetID, inputs)
		if err != nil {
			return attributetwin.AttributeID{}, err
		}
		compiled, err := e.compiler.Validate(ctx, expression.Request{
			AttributeID: spec.ID,
			DataType:    spec.DataType,
			Expression:  spec.Expression,
			Candidates:  candidates,
		})
		if err != nil {
			return attributetwin.AttributeID{}, err
		}
		r.Compiled = compiled.Source

		if t := spec.TriggerAttributeID; t != nil {
			if err := checkTrigger(spec.ID, *t, inputs, candidates); err != nil {
				return attributetwin.AttributeID{}, err
			}
			id := *t
			r.TriggerAttributeID = &id
			r.Triggers = append(r.Triggers, id)
		}
		for _, id := range compiled.Triggers {
			if !slices.Contains(r.Triggers, id) {
				r.Triggers = append(r.Triggers, id)
			}
		}
		program = compiled.Program
	}

	if err := attributetwin.CheckAcyclic(ctx, e.store, r); err != nil {
		return attributetwin.AttributeID{}, err
	}
	if _, err := e.store.Create(ctx, r); err != nil {
		return attributetwin.AttributeID{}, errors.Wrap(err, "store runtime attribute")
	}
	if program != nil {
		e.programs.Store(programKey{id: r.ID, source: r.Compiled}, program)
	}
	logger.Info("Runtime attribute created", slog.Int("triggers", len(r.Triggers)))
	return r.ID, nil
}

// checkTrigger verifies that an explicit trigger is one of the inputs of the
// request. Its category is taken from candidates, so aliases count as the
// attribute they resolve to.
func checkTrigger(self, trigger attributetwin.AttributeID, inputs []attributetwin.Attribute, candidates []expression.Candidate) error {
	if trigger == self {
		return attributetwin.ValidationErrorf(attributetwin.ErrSelfReference, "trigger %s is the attribute itself", trigger)
	}
	if !slices.ContainsFunc(inputs, func(a attributetwin.Attribute) bool { return a.Describe().ID == trigger }) {
		return attributetwin.ValidationErrorf(attributetwin.ErrTriggerNotFound, "trigger %s is not an input", trigger)
	}
	i := slices.IndexFunc(candidates, func(c expression.Candidate) bool { return c.ID == trigger })
	if i >= 0 && candidates[i].Category == attributetwin.Command {
		return attributetwin.ValidationErrorf(attributetwin.ErrForbiddenReference, "trigger %s is a command", trigger)
	}
	return nil
}

// ValidateExpression checks an expression as CreateRuntimeAttribute would,
// without creating anything.
func (e *Engine) ValidateExpression(ctx context.Context, spec RuntimeSpec, inputs []attributetwin.Attribute) (expression.Compiled, error) {
	candidates, err := e.candidates(ctx, spec.AssetID, inputs)
	if err != nil {
		return expression.Compiled{}, err
	}
	compiled, err := e.compiler.Validate(ctx, expression.Request{
		AttributeID: spec.ID,
		DataType:    spec.DataType,
		Expression:  spec.Expression,
		Candidates:  candidates,
	})
	if err != nil {
		return expression.Compiled{}, err
	}
	if t := spec.TriggerAttributeID; t != nil {
		if err := checkTrigger(spec.ID, *t, inputs, candidates); err != nil {
			return expression.Compiled{}, err
		}
	}
	return compiled, nil
}

// candidates lists the attributes an expression of the given asset may
// reference: the asset's stored attributes and the inputs. Aliases take the
// data type and category of the attribute they resolve to, so an alias of a
// command is no more referable than the command itself.
func (e *Engine) candidates(ctx context.Context, asset attributetwin.AssetID, inputs []attributetwin.Attribute) ([]expression.Candidate, error) {
	stored, err := e.store.AssetAttributes(ctx, asset)
	if err != nil {
		return nil, errors.Wrap(err, "list asset attributes")
	}

	var candidates []expression.Candidate
	seen := make(map[attributetwin.AttributeID]struct{})
	for _, a := range slices.Concat(stored, inputs) {
		d := a.Describe()
		if _, ok := seen[d.ID]; ok {
			continue
		}
		seen[d.ID] = struct{}{}

		c := expression.Candidate{ID: d.ID, DataType: d.DataType, Category: a.Category()}
		if _, ok := a.(attributetwin.AliasAttribute); ok {
			if resolved, err := e.resolver.ResolveAttribute(ctx, a); err == nil {
				c.DataType = resolved.Describe().DataType
				c.Category = resolved.Category()
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

package engine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Result is the outcome of a single change of an UpsertAttributes batch.
type Result struct {
	// ID of the added, edited or (first) removed attribute.
	ID  attributetwin.AttributeID
	Err error
}

// UpsertAttributes applies a batch of changes to the attributes of an asset, in
// order. Every change succeeds or fails on its own; a failing change never
// aborts the rest of the batch. Results correspond to changes by index.
//
// Expressions of added runtime attributes may reference any attribute added by
// the batch, as well as the asset's stored attributes. Added and edited static
// attributes announce their value, so dependents are recomputed.
func (e *Engine) UpsertAttributes(ctx context.Context, asset attributetwin.AssetID, changes []attributetwin.Change) []Result {
	logger := component.Logger(ctx).With(slog.Any("asset-id", asset))
	ctx = component.InjectLogger(ctx, logger)

	var inputs []attributetwin.Attribute
	for _, c := range changes {
		switch c := c.(type) {
		case attributetwin.AddAttribute:
			if c.Attribute != nil {
				inputs = append(inputs, c.Attribute)
			}
		case attributetwin.EditAttribute:
			if c.Attribute != nil {
				inputs = append(inputs, c.Attribute)
			}
		}
	}

	results := make([]Result, len(changes))
	for i, c := range changes {
		var r Result
		switch c := c.(type) {
		case attributetwin.AddAttribute:
			r.ID, r.Err = e.add(ctx, asset, c.Attribute, inputs)
		case attributetwin.EditAttribute:
			r.ID, r.Err = e.edit(ctx, asset, c.Attribute)
		case attributetwin.RemoveAttributes:
			if len(c.IDs) > 0 {
				r.ID = c.IDs[0]
			}
			r.Err = e.remove(ctx, c.IDs)
		default:
			r.Err = errors.AssertionFailedf("unexpected change %T", c)
		}
		if r.Err != nil {
			logger.Warn("Attribute change failed", slog.Int("index", i), slog.Any("attribute-id", r.ID), slog.String("error", r.Err.Error()))
		}
		results[i] = r
	}
	return results
}

func (e *Engine) add(ctx context.Context, asset attributetwin.AssetID, a attributetwin.Attribute, inputs []attributetwin.Attribute) (attributetwin.AttributeID, error) {
	if a == nil {
		return attributetwin.AttributeID{}, errors.Mark(errors.New("add: no attribute"), attributetwin.ErrValidation)
	}
	d, err := ownedBy(asset, a)
	if err != nil {
		return d.ID, err
	}

	switch v := a.(type) {
	case attributetwin.RuntimeAttribute:
		siblings := make([]attributetwin.Attribute, 0, len(inputs))
		for _, in := range inputs {
			if in.Describe().ID != d.ID {
				siblings = append(siblings, in)
			}
		}
		return e.CreateRuntimeAttribute(ctx, RuntimeSpec{
			ID:                 d.ID,
			AssetID:            asset,
			Name:               d.Name,
			DataType:           d.DataType,
			Expression:         v.Expression,
			TriggerAttributeID: v.TriggerAttributeID,
			EnabledExpression:  v.EnabledExpression,
		}, siblings)

	case attributetwin.AliasAttribute:
		v.Descriptor = d
		if a, err = e.checkAlias(ctx, v); err != nil {
			return d.ID, err
		}

	case attributetwin.StaticAttribute:
		v.Descriptor = d
		if v.Value, err = attributetwin.CoerceValue(v.Value, v.DataType); err != nil {
			return d.ID, errors.Mark(errors.Wrapf(err, "static value is not a %s", v.DataType), attributetwin.ErrValidation)
		}
		a = v

	default:
		a = attributetwin.WithDescriptor(a, d)
	}

	stored, err := e.store.Create(ctx, a)
	if err != nil {
		return d.ID, err
	}
	if stored.Category() == attributetwin.Static {
		if err := e.publish(ctx, stored.Describe(), 0, e.now()); err != nil {
			return d.ID, errors.Wrap(err, "publish")
		}
	}
	return d.ID, nil
}

func (e *Engine) edit(ctx context.Context, asset attributetwin.AssetID, a attributetwin.Attribute) (attributetwin.AttributeID, error) {
	if a == nil {
		return attributetwin.AttributeID{}, errors.Mark(errors.New("edit: no attribute"), attributetwin.ErrValidation)
	}
	d, err := ownedBy(asset, a)
	if err != nil {
		return d.ID, err
	}
	a = attributetwin.WithDescriptor(a, d)
	switch v := a.(type) {
	case attributetwin.StaticAttribute:
		if v.Value, err = attributetwin.CoerceValue(v.Value, v.DataType); err != nil {
			return d.ID, errors.Mark(errors.Wrapf(err, "static value is not a %s", v.DataType), attributetwin.ErrValidation)
		}
		a = v
	case attributetwin.AliasAttribute:
		if a, err = e.checkAlias(ctx, v); err != nil {
			return d.ID, err
		}
	}

	updated, err := e.store.Update(ctx, a)
	if err != nil {
		return d.ID, err
	}
	if updated.Category() == attributetwin.Static {
		if err := e.publish(ctx, updated.Describe(), 0, e.now()); err != nil {
			return d.ID, errors.Wrap(err, "publish")
		}
	}
	return d.ID, nil
}

// checkAlias verifies that the target of v resolves without closing a
// dependency cycle. A missing data type is taken from the resolved target.
func (e *Engine) checkAlias(ctx context.Context, v attributetwin.AliasAttribute) (attributetwin.Attribute, error) {
	target, err := e.resolver.ResolveAttribute(ctx, v)
	if err != nil {
		return nil, err
	}
	if v.DataType == attributetwin.TypeUnknown {
		v.DataType = target.Describe().DataType
	}
	if err := attributetwin.CheckAcyclic(ctx, e.store, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *Engine) remove(ctx context.Context, ids []attributetwin.AttributeID) error {
	for _, id := range ids {
		if err := e.store.Delete(ctx, id); err != nil {
			return errors.Wrapf(err, "delete attribute %s", id)
		}
		e.forget(id)
	}
	return nil
}

// ownedBy returns the descriptor of a, assigned to asset.
func ownedBy(asset attributetwin.AssetID, a attributetwin.Attribute) (attributetwin.Descriptor, error) {
	d := a.Describe()
	if !d.AssetID.IsZero() && d.AssetID != asset {
		return d, errors.Mark(errors.Newf("attribute %s belongs to asset %s, not %s", d.ID, d.AssetID, asset), attributetwin.ErrValidation)
	}
	d.AssetID = asset
	return d, nil
}

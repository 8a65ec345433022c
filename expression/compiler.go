package expression

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"

	"github.com/go-digitaltwin/go-attributetwin"
)

const (
	// DefaultTimeout bounds the dry-run of Validate when Compiler.Timeout is zero.
	DefaultTimeout = time.Second
	// DefaultMaxLength bounds the length of expressions when Compiler.MaxLength is
	// zero.
	DefaultMaxLength = 64 << 10
)

// placeholder matches ${attributeId}$. Go regular expressions run in linear
// time, so matching is bounded by the expression length.
var placeholder = regexp.MustCompile(`\$\{([^{}$]*)\}\$`)

// Candidate describes an attribute an expression may reference.
type Candidate struct {
	ID       attributetwin.AttributeID
	DataType attributetwin.DataType
	Category attributetwin.Category
}

// Request describes the expression of a runtime attribute to validate.
type Request struct {
	// AttributeID identifies the runtime attribute owning the expression.
	AttributeID attributetwin.AttributeID
	// DataType is the declared type of the runtime attribute.
	DataType   attributetwin.DataType
	Expression string
	// Candidates are the attributes the expression may reference.
	Candidates []Candidate
}

// Compiled is the outcome of a successful validation.
type Compiled struct {
	// Source is the rewritten, evaluable expression.
	Source  string
	Program Program
	// Triggers are the distinct attributes referenced by the expression, in order
	// of first appearance.
	Triggers []attributetwin.AttributeID
}

// Compiler validates expressions of runtime attributes.
type Compiler struct {
	Evaluator Evaluator
	// Timeout bounds the dry-run of an expression. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxLength bounds the length of an expression, in bytes. Zero means
	// DefaultMaxLength.
	MaxLength int
}

// Validate checks the expression of req, rewrites its placeholders into typed
// accessors, and dry-runs the result against representative stub values; it
// never reads live attribute values.
//
// Validate fails with an error marked attributetwin.ErrValidation whose kind is
// one of ErrSelfReference, ErrForbiddenReference, ErrUnknownAttribute or
// ErrInvalidExpression.
func (c Compiler) Validate(ctx context.Context, req Request) (Compiled, error) {
	logger := component.Logger(ctx).With(slog.Any("attribute-id", req.AttributeID))

	maxLength := c.MaxLength
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if len(req.Expression) > maxLength {
		return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression,
			"expression of %d bytes exceeds %d bytes", len(req.Expression), maxLength)
	}
	if strings.TrimSpace(req.Expression) == "" {
		return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "empty expression")
	}

	ids, err := Extract(req.Expression)
	if err != nil {
		return Compiled{}, err
	}

	candidates := make(map[attributetwin.AttributeID]Candidate, len(req.Candidates))
	for _, cand := range req.Candidates {
		candidates[cand.ID] = cand
	}
	for _, id := range ids {
		if id == req.AttributeID {
			return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrSelfReference, "attribute %s", id)
		}
	}
	for _, id := range ids {
		if cand, ok := candidates[id]; ok && cand.Category == attributetwin.Command {
			return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrForbiddenReference, "attribute %s", id)
		}
	}
	for _, id := range ids {
		if _, ok := candidates[id]; !ok {
			return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrUnknownAttribute, "attribute %s", id)
		}
	}

	source := Rewrite(req.Expression, req.DataType, func(id attributetwin.AttributeID) attributetwin.DataType {
		return candidates[id].DataType
	})
	stubs := make(Binding, len(ids))
	for _, id := range ids {
		stubs[id] = Stub(candidates[id].DataType)
	}

	logger.Debug("Dry-running rewritten expression...", slog.String("source", source))
	program, err := c.Evaluator.Compile(source)
	if err != nil {
		return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "%v", err)
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dryCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	v, err := c.Evaluator.Evaluate(dryCtx, program, stubs)
	if err != nil {
		return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "dry-run: %v", err)
	}
	if _, err := Result(v, req.DataType); err != nil {
		return Compiled{}, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "dry-run: %v", err)
	}

	return Compiled{Source: source, Program: program, Triggers: ids}, nil
}

// Extract returns the distinct attribute IDs referenced by placeholders of
// source, in order of first appearance. It fails with ErrInvalidExpression if a
// placeholder does not hold a valid ID.
func Extract(source string) ([]attributetwin.AttributeID, error) {
	var ids []attributetwin.AttributeID
	seen := make(map[attributetwin.AttributeID]struct{})
	for _, m := range placeholder.FindAllStringSubmatch(source, -1) {
		id, err := attributetwin.ParseAttributeID(strings.TrimSpace(m[1]))
		if err != nil {
			return nil, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "placeholder %s: %v", m[0], err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// Rewrite replaces every placeholder of source with the accessor matching the
// data type of the referenced attribute, as reported by typeOf. A text
// expression without placeholders is a literal, so it is quoted as a whole.
//
// Placeholders must have been validated with Extract.
func Rewrite(source string, target attributetwin.DataType, typeOf func(attributetwin.AttributeID) attributetwin.DataType) string {
	var substituted bool
	out := placeholder.ReplaceAllStringFunc(source, func(m string) string {
		id, err := attributetwin.ParseAttributeID(strings.TrimSpace(placeholder.FindStringSubmatch(m)[1]))
		if err != nil {
			return m
		}
		substituted = true
		fn, ok := accessors[typeOf(id)]
		if !ok {
			fn = accessors[attributetwin.TypeText]
		}
		return fn + "(" + bindingName + "[" + strconv.Quote(id.String()) + "])"
	})
	if target == attributetwin.TypeText && !substituted {
		return strconv.Quote(out)
	}
	return out
}

// Stub returns a representative value of t, used to dry-run expressions.
func Stub(t attributetwin.DataType) any {
	switch t {
	case attributetwin.TypeDouble, attributetwin.TypeTimestamp:
		return 1.0
	case attributetwin.TypeInteger:
		return int64(1)
	case attributetwin.TypeBoolean:
		return true
	case attributetwin.TypeDateTime:
		return time.Unix(0, 0).UTC()
	}
	return "default"
}

// Result converts the value of an evaluated expression to the declared type of
// its attribute. It fails on empty results and values that are not
// representable as t.
func Result(v any, t attributetwin.DataType) (any, error) {
	if v == nil {
		return nil, errors.New("expression produced no value")
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil, errors.New("expression produced an empty string")
	}
	r, err := attributetwin.CoerceValue(v, t)
	if err != nil {
		return nil, errors.Wrapf(err, "result %v is not a %s", v, t)
	}
	return r, nil
}

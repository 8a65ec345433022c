package expression

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/go-digitaltwin/go-attributetwin"
)

// DefaultMaxNodes bounds the size of compiled programs when Sandbox.MaxNodes is
// zero.
const DefaultMaxNodes = 1000

// bindingName is the name under which programs see their Binding.
const bindingName = "attr"

// accessors are the typed conversion functions available to programs, keyed by
// the data type they convert to.
var accessors = map[attributetwin.DataType]string{
	attributetwin.TypeText:      "toText",
	attributetwin.TypeBoolean:   "toBoolean",
	attributetwin.TypeDateTime:  "toDateTime",
	attributetwin.TypeDouble:    "toDouble",
	attributetwin.TypeInteger:   "toInteger",
	attributetwin.TypeTimestamp: "toDouble",
}

// Sandbox is the default Evaluator, backed by the expr-lang/expr virtual
// machine. Programs see nothing but the binding (as the map attr) and the typed
// accessors; the now() builtin is disabled and dates are interpreted in UTC.
//
// The zero value is ready to use.
type Sandbox struct {
	// MaxNodes is the maximal number of syntax-tree nodes of a program. Zero
	// means DefaultMaxNodes.
	MaxNodes uint
}

var _ Evaluator = Sandbox{}

type program struct {
	source string
	p      *vm.Program
}

func (p program) Source() string { return p.source }

func (s Sandbox) options() []expr.Option {
	maxNodes := s.MaxNodes
	if maxNodes == 0 {
		maxNodes = DefaultMaxNodes
	}
	return []expr.Option{
		expr.Env(map[string]any{bindingName: map[string]any{}}),
		expr.DisableBuiltin("now"),
		expr.Timezone("UTC"),
		expr.MaxNodes(maxNodes),
		accessor(attributetwin.TypeDouble, new(func(any) float64)),
		accessor(attributetwin.TypeInteger, new(func(any) int64)),
		accessor(attributetwin.TypeBoolean, new(func(any) bool)),
		accessor(attributetwin.TypeText, new(func(any) string)),
		accessor(attributetwin.TypeDateTime, nil),
	}
}

// accessor returns the option declaring the accessor function of t. The
// signature, when given, lets the compiler type-check its uses.
func accessor(t attributetwin.DataType, signature any) expr.Option {
	fn := func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, errors.Newf("%s: want 1 argument, got %d", accessors[t], len(params))
		}
		v, err := attributetwin.CoerceValue(params[0], t)
		if err != nil {
			return nil, errors.Wrapf(err, "%s", accessors[t])
		}
		return v, nil
	}
	if signature == nil {
		return expr.Function(accessors[t], fn)
	}
	return expr.Function(accessors[t], fn, signature)
}

// Compile compiles a rewritten expression. Compilation errors are marked
// attributetwin.ErrInvalidExpression.
func (s Sandbox) Compile(source string) (Program, error) {
	p, err := expr.Compile(source, s.options()...)
	if err != nil {
		return nil, attributetwin.ValidationErrorf(attributetwin.ErrInvalidExpression, "compile: %v", err)
	}
	return program{source: source, p: p}, nil
}

// Evaluate runs p against b until it completes or ctx is done.
func (s Sandbox) Evaluate(ctx context.Context, p Program, b Binding) (any, error) {
	prog, ok := p.(program)
	if !ok {
		return nil, errors.AssertionFailedf("program %T was not compiled by a Sandbox", p)
	}
	if err := ctx.Err(); err != nil {
		return nil, attributetwin.EvaluationErrorf(attributetwin.ErrEvaluationTimeout, "%v", err)
	}

	values := make(map[string]any, len(b))
	for id, v := range b {
		values[id.String()] = v
	}
	env := map[string]any{bindingName: values}

	type result struct {
		v   any
		err error
	}
	// Programs cannot observe ctx, so the run is abandoned rather than
	// interrupted once ctx is done. MaxNodes and the VM's memory budget bound how
	// long an abandoned run lingers.
	done := make(chan result, 1)
	go func() {
		v, err := expr.Run(prog.p, env)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, attributetwin.EvaluationErrorf(attributetwin.ErrEvaluationTimeout, "%v", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, attributetwin.EvaluationErrorf(attributetwin.ErrEvaluationFailure, "%v", r.err)
		}
		return r.v, nil
	}
}

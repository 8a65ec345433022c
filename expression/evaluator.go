// Package expression validates, compiles and evaluates the expressions of
// runtime attributes.
//
// Users write expressions as templates in which ${attributeId}$ placeholders
// stand for the current value of another attribute, e.g.
//
//	${6f1c1fa2-2b8c-4c1e-a3c5-c2f59b0f7d3e}$ * 1.8 + 32
//
// A Compiler checks such a template against the attributes it may reference and
// rewrites every placeholder into a typed accessor over a Binding. The rewritten
// source is what an Evaluator compiles and runs.
package expression

import (
	"context"

	"github.com/go-digitaltwin/go-attributetwin"
)

// Program is a compiled expression, ready for evaluation by the Evaluator that
// produced it.
type Program interface {
	// Source returns the rewritten expression the program was compiled from.
	Source() string
}

// Binding maps the attributes referenced by an expression to their current
// values.
type Binding map[attributetwin.AttributeID]any

// Evaluator compiles and executes rewritten expressions.
//
// Implementations must be deterministic, must bound the resources a program may
// consume, and must not expose ambient state (clock, environment, filesystem) to
// programs. Evaluate must return once ctx is done, failing with an error marked
// attributetwin.ErrEvaluationTimeout.
type Evaluator interface {
	Compile(source string) (Program, error)
	Evaluate(ctx context.Context, p Program, b Binding) (any, error)
}

package attributetwin

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Every error returned by this module's operations is marked with
// at most one class; test for it with errors.Is.
var (
	ErrValidation  = errors.New("validation error")
	ErrResolution  = errors.New("resolution error")
	ErrEvaluation  = errors.New("evaluation error")
	ErrConcurrency = errors.New("concurrency error")
)

// Validation errors abort a single attribute definition.
var (
	ErrSelfReference      = errors.New("expression references its own attribute")
	ErrForbiddenReference = errors.New("expression references a command attribute")
	ErrUnknownAttribute   = errors.New("expression references an unknown attribute")
	ErrInvalidExpression  = errors.New("invalid expression")
	ErrTriggerNotFound    = errors.New("trigger attribute not found")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrDuplicateBinding   = errors.New("telemetry channel already bound")
)

// Resolution errors.
var (
	ErrAliasBroken = errors.New("alias target not found")
	ErrAliasCycle  = errors.New("alias chain does not terminate")
)

// Evaluation errors.
var (
	ErrEvaluationTimeout = errors.New("evaluation timed out")
	ErrEvaluationFailure = errors.New("evaluation failed")
)

// ErrStaleWrite reports a definition update based on an outdated revision.
var ErrStaleWrite = errors.New("stale write")

var (
	ErrAttributeNotFound  = errors.New("attribute not found")
	ErrDuplicateAttribute = errors.New("attribute already exists")
)

// ValidationErrorf wraps kind with a formatted message and marks it as an
// ErrValidation.
func ValidationErrorf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(kind, format, args...), ErrValidation)
}

// ResolutionErrorf wraps kind with a formatted message and marks it as an
// ErrResolution.
func ResolutionErrorf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(kind, format, args...), ErrResolution)
}

// EvaluationErrorf wraps kind with a formatted message and marks it as an
// ErrEvaluation.
func EvaluationErrorf(kind error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(kind, format, args...), ErrEvaluation)
}

// StaleWriteErrorf returns an ErrStaleWrite marked as an ErrConcurrency.
func StaleWriteErrorf(format string, args ...any) error {
	err := errors.Wrapf(ErrStaleWrite, format, args...)
	err = errors.WithHint(err, "re-read the attribute and retry with its current revision")
	return errors.Mark(err, ErrConcurrency)
}

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/expression"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

// ErrNoValue reports an attribute that has not been assigned a value yet, or
// that never holds one (command attributes).
var ErrNoValue = errors.New("attribute has no value")

// HandleEvent recomputes every runtime attribute triggered by the updated
// attribute, and announces each new value with one more hop than the event.
//
// Recomputation failures are logged and skipped; the failing attribute keeps its
// previous snapshot and series, and the remaining dependents are recomputed
// regardless. HandleEvent returns an error only if the dependents cannot be
// listed.
//
// Events that have already cascaded through MaxCascadeHops recomputations are
// dropped, which bounds cascades through cyclic or very deep trigger graphs.
//
// Delivering the same event twice recomputes the same snapshot, but appends to
// the series twice.
func (e *Engine) HandleEvent(ctx context.Context, ev attributetwin.AttributeUpdated) error {
	ctx, span := tracer.Start(ctx, "Engine.HandleEvent", trace.WithAttributes(
		attribute.Stringer("attribute.id", ev.AttributeID),
		attribute.Int("event.hops", ev.Hops),
	))
	defer span.End()

	logger := component.Logger(ctx).With(
		slog.Any("trigger-id", ev.AttributeID),
		slog.Int("hops", ev.Hops),
	)
	ctx = component.InjectLogger(ctx, logger)

	if ev.Hops >= e.opts.MaxCascadeHops {
		logger.Warn("Cascade reached the hop limit, dependents are not recomputed", slog.Int("max-hops", e.opts.MaxCascadeHops))
		measureTruncated(ctx)
		return nil
	}

	deps, err := e.store.Dependents(ctx, ev.AttributeID)
	if err != nil {
		err = errors.Wrap(err, "list dependents")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if len(deps) == 0 {
		logger.Debug("No runtime attributes depend on the updated attribute")
		return nil
	}

	var g errgroup.Group
	g.SetLimit(e.opts.RecomputeConcurrency)
	for _, r := range deps {
		g.Go(func() error {
			if err := e.recompute(ctx, r, ev.Hops+1); err != nil {
				logger.Error("Couldn't recompute runtime attribute",
					slog.Any("attribute-id", r.ID),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// recompute evaluates r against the live values of its triggers, stores the
// result, and announces it.
func (e *Engine) recompute(ctx context.Context, r attributetwin.RuntimeAttribute, hops int) (err error) {
	ctx, span := tracer.Start(ctx, "Engine.recompute", trace.WithAttributes(
		attribute.Stringer("attribute.id", r.ID),
	))
	defer span.End()
	defer func(start time.Time) {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		measureRecompute(ctx, r.DataType, err == nil, time.Since(start))
	}(time.Now())

	if !r.EnabledExpression {
		return nil
	}
	program, err := e.program(r)
	if err != nil {
		return errors.Wrap(err, "compile")
	}

	binding := make(expression.Binding, len(r.Triggers))
	for _, id := range r.Triggers {
		p, err := e.liveValue(ctx, id)
		if errors.Is(err, ErrNoValue) {
			// Left unbound: only reading it from the expression fails.
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "trigger %s", id)
		}
		binding[id] = p.Value
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.opts.EvaluationTimeout)
	defer cancel()
	v, err := e.evaluator.Evaluate(evalCtx, program, binding)
	if err != nil {
		return err
	}
	v, err = expression.Result(v, r.DataType)
	if err != nil {
		return attributetwin.EvaluationErrorf(attributetwin.ErrEvaluationFailure, "%v", err)
	}

	now := e.now()
	p := attributetwin.NewPoint(v, attributetwin.At(now))
	if _, err := e.store.SetSnapshot(ctx, r.ID, p); err != nil {
		return errors.Wrap(err, "store snapshot")
	}
	e.cache.Append(timeseries.AttributeScope(r.ID), p)

	component.Logger(ctx).Debug("Runtime attribute recomputed", slog.Any("attribute-id", r.ID), slog.Any("value", v))
	if err := e.publish(ctx, r.Descriptor, hops, now); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

// liveValue returns the current value of an attribute, following aliases.
func (e *Engine) liveValue(ctx context.Context, id attributetwin.AttributeID) (attributetwin.Point, error) {
	a, err := e.resolver.Resolve(ctx, id)
	if err != nil {
		return attributetwin.Point{}, err
	}
	return currentPoint(a)
}

// currentPoint returns the value of a non-alias attribute. The value of a static
// attribute is as old as its last definition update.
func currentPoint(a attributetwin.Attribute) (attributetwin.Point, error) {
	switch v := a.(type) {
	case attributetwin.StaticAttribute:
		if v.Value == nil {
			return attributetwin.Point{}, errors.Wrapf(ErrNoValue, "static attribute %s", v.ID)
		}
		return attributetwin.NewPoint(v.Value, attributetwin.At(v.UpdatedAt)), nil
	case attributetwin.RuntimeAttribute, attributetwin.DynamicAttribute:
		p, ok := attributetwin.SnapshotOf(a)
		if !ok {
			return attributetwin.Point{}, errors.Wrapf(ErrNoValue, "%s attribute %s", a.Category(), a.Describe().ID)
		}
		return p, nil
	}
	return attributetwin.Point{}, errors.Wrapf(ErrNoValue, "%s attribute %s", a.Category(), a.Describe().ID)
}

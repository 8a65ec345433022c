package engine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-digitaltwin/go-attributetwin"
	"github.com/go-digitaltwin/go-attributetwin/timeseries"
)

// IngestTelemetryPoint records a value reported by a device telemetry channel.
// Unless overridden by opts, the point is timestamped now with good quality.
//
// The point is appended to the channel's series even if no attribute is bound
// to the channel. Otherwise, the bound dynamic attribute's snapshot becomes the
// most recent point of the channel, and its update is announced.
func (e *Engine) IngestTelemetryPoint(ctx context.Context, deviceID, metricKey string, value any, opts ...attributetwin.PointOption) error {
	ctx, span := tracer.Start(ctx, "Engine.IngestTelemetryPoint", trace.WithAttributes(
		attribute.String("device.id", deviceID),
		attribute.String("metric.key", metricKey),
	))
	defer span.End()
	logger := component.Logger(ctx).With(slog.String("device-id", deviceID), slog.String("metric-key", metricKey))

	scope := timeseries.ChannelScope(deviceID, metricKey)
	e.cache.Append(scope, attributetwin.NewPoint(value, opts...))
	measureIngested(ctx)

	d, err := e.store.BoundAttribute(ctx, deviceID, metricKey)
	if errors.Is(err, attributetwin.ErrAttributeNotFound) {
		logger.Debug("No attribute is bound to the telemetry channel")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find bound attribute")
	}

	latest, _ := e.cache.Latest(scope)
	if latest.Value, err = attributetwin.CoerceValue(latest.Value, d.DataType); err != nil {
		return errors.Wrapf(err, "telemetry value of attribute %s", d.ID)
	}
	if _, err := e.store.SetSnapshot(ctx, d.ID, latest); err != nil {
		return errors.Wrap(err, "store snapshot")
	}
	if err := e.publish(ctx, d.Descriptor, 0, e.now()); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

// PublishRuntimeAttributePoint records an externally computed value of a
// runtime attribute, bypassing its expression. Unless overridden by opts, the
// point is timestamped now with good quality.
//
// The point is appended to the attribute's series, the snapshot becomes the
// most recent point of the series, and the update is announced.
func (e *Engine) PublishRuntimeAttributePoint(ctx context.Context, id attributetwin.AttributeID, value any, opts ...attributetwin.PointOption) error {
	ctx, span := tracer.Start(ctx, "Engine.PublishRuntimeAttributePoint", trace.WithAttributes(
		attribute.Stringer("attribute.id", id),
	))
	defer span.End()

	a, err := e.store.Attribute(ctx, id)
	if err != nil {
		return err
	}
	r, ok := a.(attributetwin.RuntimeAttribute)
	if !ok {
		return errors.Mark(errors.Newf("attribute %s is a %s attribute, not a runtime one", id, a.Category()), attributetwin.ErrValidation)
	}
	p := attributetwin.NewPoint(value, opts...)
	if p.Value, err = attributetwin.CoerceValue(p.Value, r.DataType); err != nil {
		return errors.Mark(errors.Wrapf(err, "value of attribute %s", id), attributetwin.ErrValidation)
	}

	scope := timeseries.AttributeScope(id)
	e.cache.Append(scope, p)
	latest, _ := e.cache.Latest(scope)
	if _, err := e.store.SetSnapshot(ctx, id, latest); err != nil {
		return errors.Wrap(err, "store snapshot")
	}
	if err := e.publish(ctx, r.Descriptor, 0, e.now()); err != nil {
		return errors.Wrap(err, "publish")
	}
	return nil
}

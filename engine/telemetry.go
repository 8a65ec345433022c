package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/go-digitaltwin/go-attributetwin"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-attributetwin/engine")
var meter = otel.Meter("github.com/go-digitaltwin/go-attributetwin/engine")

const (
	// runtimeDataType is the attribute key used to associate each recomputation
	// record with the declared data type of the recomputed attribute.
	runtimeDataType = "runtime.datatype"
)

var (
	// recomputeDuration measures the duration of a single successful
	// recomputation, including storing and announcing its result.
	//
	// Each record is associated with the runtimeDataType.
	recomputeDuration metric.Float64Histogram
	// recomputeFailures measures the number of failed recomputations.
	//
	// Each record is associated with the runtimeDataType.
	recomputeFailures metric.Int64Counter
	// cascadeTruncated measures the number of updates dropped by the hop limit.
	cascadeTruncated metric.Int64Counter
	// telemetryPoints measures the number of ingested telemetry points.
	telemetryPoints metric.Int64Counter
)

func init() {
	var err error
	recomputeDuration, err = meter.Float64Histogram(
		"runtime.recompute.duration",
		metric.WithDescription("The duration of a single runtime attribute recomputation, including storing and announcing its result."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("engine: failed to init 'runtime.recompute.duration' instrument")
	}

	recomputeFailures, err = meter.Int64Counter(
		"runtime.recompute.failures",
		metric.WithDescription("The number of runtime attribute recomputations that have failed."),
	)
	if err != nil {
		panic("engine: failed to init 'runtime.recompute.failures' instrument")
	}

	cascadeTruncated, err = meter.Int64Counter(
		"runtime.cascade.truncated",
		metric.WithDescription("The number of attribute updates not propagated because they reached the hop limit."),
	)
	if err != nil {
		panic("engine: failed to init 'runtime.cascade.truncated' instrument")
	}

	telemetryPoints, err = meter.Int64Counter(
		"telemetry.points",
		metric.WithDescription("The number of ingested telemetry points."),
	)
	if err != nil {
		panic("engine: failed to init 'telemetry.points' instrument")
	}
}

// measureRecompute records the duration of a successful recomputation, or
// counts a failed one.
func measureRecompute(ctx context.Context, dt attributetwin.DataType, succeeded bool, d time.Duration) {
	attrs := attribute.NewSet(attribute.String(runtimeDataType, dt.String()))
	if succeeded {
		// We use floating-point division here for higher precision (instead of the
		// Millisecond method).
		duration := float64(d) / float64(time.Millisecond)
		recomputeDuration.Record(ctx, duration, metric.WithAttributeSet(attrs))
	} else {
		recomputeFailures.Add(ctx, 1, metric.WithAttributeSet(attrs))
	}
}

func measureTruncated(ctx context.Context) {
	cascadeTruncated.Add(ctx, 1)
}

func measureIngested(ctx context.Context) {
	telemetryPoints.Add(ctx, 1)
}

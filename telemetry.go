package attributetwin

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-attributetwin")
var meter = otel.Meter("github.com/go-digitaltwin/go-attributetwin")

const (
	// publishOutcome is the attribute key distinguishing successful sends from
	// failed ones on the eventsPublished counter.
	publishOutcome = "outcome"
)

var (
	// eventsPublished counts AttributeUpdated messages handed to the pubsub
	// service, labeled with publishOutcome.
	eventsPublished metric.Int64Counter
	// eventsDropped counts received messages that could not be decoded.
	eventsDropped metric.Int64Counter

	publishSucceeded = attribute.NewSet(attribute.String(publishOutcome, "success"))
	publishFailed    = attribute.NewSet(attribute.String(publishOutcome, "failure"))
)

func init() {
	var err error
	eventsPublished, err = meter.Int64Counter(
		"attributeUpdated.published",
		metric.WithDescription("The number of AttributeUpdated messages sent, by outcome."),
	)
	if err != nil {
		panic("attributetwin: failed to init 'attributeUpdated.published' instrument")
	}

	eventsDropped, err = meter.Int64Counter(
		"attributeUpdated.dropped",
		metric.WithDescription("The number of received AttributeUpdated messages that could not be decoded."),
	)
	if err != nil {
		panic("attributetwin: failed to init 'attributeUpdated.dropped' instrument")
	}
}

func measurePublish(ctx context.Context, succeeded bool) {
	if succeeded {
		eventsPublished.Add(ctx, 1, metric.WithAttributeSet(publishSucceeded))
	} else {
		eventsPublished.Add(ctx, 1, metric.WithAttributeSet(publishFailed))
	}
}

func measureDropped(ctx context.Context) {
	eventsDropped.Add(ctx, 1)
}

package neo4jstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/go-digitaltwin/go-attributetwin/neo4jstore")
var meter = otel.Meter("github.com/go-digitaltwin/go-attributetwin/neo4jstore")

var (
	// staleWriteCounter counts definition updates rejected because they were based
	// on an outdated revision. A steady rate hints at writers racing each other.
	staleWriteCounter metric.Int64Counter
)

func init() {
	// We're initiating the metric instruments on the otel meter. Encounter an error
	// during an instrument's initialisation, triggering a panic. This scenario
	// should not occur, if it does, it is likely related to the attributes applied
	// on the instrument.
	var err error
	staleWriteCounter, err = meter.Int64Counter(
		"attribute_store_stale_writes",
		metric.WithDescription("how many attribute updates were rejected for being based on an outdated revision"),
	)
	if err != nil {
		s := fmt.Sprintf("neo4jstore: failed to init 'attribute_store_stale_writes' instrument: %v", err)
		panic(s)
	}
}

func measureStaleWrite(ctx context.Context) {
	staleWriteCounter.Add(ctx, 1)
}

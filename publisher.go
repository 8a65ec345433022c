package attributetwin

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/pubsub"
)

// EventPublisher announces attribute updates.
type EventPublisher interface {
	Publish(ctx context.Context, e AttributeUpdated) error
}

// Publisher is an EventPublisher sending CBOR-encoded AttributeUpdated events to
// a pubsub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// NewPublisher returns a Publisher sending to the given topic. The caller
// remains responsible for shutting the topic down.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish sends e to the topic. It blocks until the message is handed to the
// pubsub service or ctx is done.
func (p *Publisher) Publish(ctx context.Context, e AttributeUpdated) (err error) {
	ctx, span := tracer.Start(ctx, "Publisher.Publish", trace.WithAttributes(
		attribute.Stringer("attribute.id", e.AttributeID),
		attribute.Int("event.hops", e.Hops),
	))
	defer span.End()
	defer func() { measurePublish(ctx, err == nil) }()

	logger := component.Logger(ctx).With(
		slog.Any("attribute-id", e.AttributeID),
		slog.Int("hops", e.Hops),
	)
	body, err := EncodeEvent(e)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// The attribute ID is carried as metadata to enable key-based partitioning, so
	// updates of a single attribute are consumed in the order they were sent.
	msg := &pubsub.Message{
		Body:     body,
		Metadata: map[string]string{MetadataAttributeID: e.AttributeID.String()},
	}
	logger.Debug("Sending AttributeUpdated message...")
	if err := p.topic.Send(ctx, msg); err != nil {
		err = errors.Wrap(err, "send")
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Debug("AttributeUpdated message sent successfully")
	return nil
}

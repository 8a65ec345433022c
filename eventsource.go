package attributetwin

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/danielorbach/go-component"
	"gocloud.dev/pubsub"
)

// EventSource wraps a pubsub subscription and decodes incoming messages into
// AttributeUpdated events.
type EventSource struct {
	subscription *pubsub.Subscription
}

// NewEventSource returns an EventSource receiving from sub.
func NewEventSource(sub *pubsub.Subscription) EventSource {
	return EventSource{subscription: sub}
}

// EventHandler processes a decoded AttributeUpdated event.
type EventHandler func(ctx context.Context, e AttributeUpdated) error

// Run continuously receives messages from the subscription, decodes them and
// passes them to h, until ctx is done.
//
// Messages are acknowledged before they are handled. Malformed messages and
// handler failures are logged and skipped: a failing event never blocks the
// events after it. Run returns nil once ctx is done, or an error if the
// subscription fails.
func (s EventSource) Run(ctx context.Context, h EventHandler) error {
	logger := component.Logger(ctx)
	for {
		msg, err := s.subscription.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				// we're shutting down
				return nil
			}
			return errors.Wrap(err, "receive")
		}
		// always ack, even if we fail to decode.
		// otherwise, we might get stuck processing
		// the same failed message
		msg.Ack()

		e, err := DecodeEvent(msg.Body)
		if err != nil {
			measureDropped(ctx)
			logger.Warn("Dropping malformed AttributeUpdated message",
				slog.String("msg-id", msg.LoggableID),
				slog.String("error", err.Error()),
			)
			continue
		}

		if err := h(ctx, e); err != nil {
			logger.Error("Couldn't handle AttributeUpdated message",
				slog.Any("attribute-id", e.AttributeID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Stream returns a component.Proc that runs s until the proc's context is done.
// A failing subscription is fatal to the proc.
func (s EventSource) Stream(h EventHandler) component.Proc {
	return func(l *component.L) {
		if err := s.Run(l.Context(), h); err != nil {
			l.Fatal(err)
		}
	}
}

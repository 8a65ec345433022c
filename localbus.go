package attributetwin

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// LocalBus is an EventPublisher delivering events synchronously to handlers in
// the same process. Publish returns once every handler has returned, so a
// cascade triggered by a publish completes within that call.
//
// The zero value is a bus without handlers, ready to use.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

var _ EventPublisher = (*LocalBus)(nil)

// Subscribe registers h to receive every event published afterwards.
func (b *LocalBus) Subscribe(h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish delivers e to every handler in subscription order. All handlers run
// even if some fail; the first failure is returned.
func (b *LocalBus) Publish(ctx context.Context, e AttributeUpdated) error {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()

	var first error
	for i, h := range handlers {
		if err := h(ctx, e); err != nil && first == nil {
			first = errors.Wrapf(err, "handler %d", i)
		}
	}
	return first
}

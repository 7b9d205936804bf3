// Package eventbus provides the in-process implementation of the domain
// event bus. This is the infrastructure adapter for domain.EventBus; the
// audit journal, metrics, and the ops WebSocket tail all hang off it.
package eventbus

import (
	"sync"

	"github.com/zonewatch/zonewatch/pkg/domain"
)

// InProcessEventBus is a synchronous in-process event bus. It dispatches
// events to registered handlers immediately on Publish(). Handlers must be
// fast and non-blocking; anything slow takes a copy and goes async on its
// own side.
type InProcessEventBus struct {
	handlers    map[domain.EventType][]domain.EventHandler
	allHandlers []domain.EventHandler
	mu          sync.RWMutex
	closed      bool
}

// New creates a new in-process event bus.
func New() *InProcessEventBus {
	return &InProcessEventBus{
		handlers:    make(map[domain.EventType][]domain.EventHandler),
		allHandlers: make([]domain.EventHandler, 0),
	}
}

// Publish dispatches an event to all matching handlers. Handlers for the
// specific event type are called first, then global handlers.
func (b *InProcessEventBus) Publish(event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	// Typed handlers
	if handlers, ok := b.handlers[event.EventType()]; ok {
		for _, handler := range handlers {
			handler(event)
		}
	}

	// Global handlers
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType domain.EventType, handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InProcessEventBus) SubscribeAll(handler domain.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
}

// PublishAll dispatches multiple events (e.g., from AggregateRoot.PullEvents).
func (b *InProcessEventBus) PublishAll(events []domain.Event) {
	for _, event := range events {
		b.Publish(event)
	}
}

// Verify interface compliance at compile time.
var _ domain.EventBus = (*InProcessEventBus)(nil)

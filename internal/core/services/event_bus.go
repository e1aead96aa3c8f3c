package services

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

// EventBus delivers domain events synchronously, in registration order, to
// every listener registered at publish time. There is no buffering and no
// replay.
type EventBus struct {
	mu        sync.RWMutex
	listeners []busListener
	nextID    uint64
	logger    *slog.Logger
}

type busListener struct {
	id       uint64
	listener ports.Listener
}

var _ ports.EventBus = (*EventBus)(nil)

// NewEventBus creates an empty event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger.With("component", "event_bus"),
	}
}

// Subscribe registers a listener. The returned func removes it; calling it
// more than once is harmless.
func (b *EventBus) Subscribe(listener ports.Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, busListener{id: id, listener: listener})

	return func() {
		b.remove(id)
	}
}

func (b *EventBus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers event to a snapshot of the current listeners. A listener
// that panics is logged and skipped; the remaining listeners still run.
func (b *EventBus) Publish(ctx context.Context, event domain.DomainEvent) {
	b.mu.RLock()
	snapshot := make([]busListener, len(b.listeners))
	copy(snapshot, b.listeners)
	b.mu.RUnlock()

	for _, l := range snapshot {
		b.deliver(ctx, l.listener, event)
	}
}

func (b *EventBus) deliver(ctx context.Context, listener ports.Listener, event domain.DomainEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("listener panicked",
				"kind", event.Kind,
				"panic", r,
			)
		}
	}()
	listener.Notify(ctx, event)
}

// Len returns the number of registered listeners.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

package ports

import (
	"context"

	"github.com/lorrc/studio-realtime/internal/core/domain"
)

// Listener receives domain events from the bus.
type Listener interface {
	Notify(ctx context.Context, event domain.DomainEvent)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(ctx context.Context, event domain.DomainEvent)

// Notify calls f(ctx, event).
func (f ListenerFunc) Notify(ctx context.Context, event domain.DomainEvent) {
	f(ctx, event)
}

// EventPublisher defines the port for publishing domain events.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.DomainEvent)
}

// EventSubscriber defines the port for listening to domain events.
type EventSubscriber interface {
	Subscribe(listener Listener) (unsubscribe func())
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// Classifier translates raw broker payloads into domain events.
type Classifier interface {
	Classify(raw map[string]any) (domain.DomainEvent, bool)
}

// RealtimeStatus is a point-in-time view of the realtime session.
type RealtimeStatus struct {
	Enabled   bool     `json:"enabled"`
	Connected bool     `json:"connected"`
	Active    bool     `json:"active"`
	SessionID string   `json:"sessionId,omitempty"`
	Role      string   `json:"role,omitempty"`
	Channels  []string `json:"channels"`
	Listeners int      `json:"listeners"`
}

// RealtimeSession defines the port for starting and stopping the viewer's
// realtime session.
type RealtimeSession interface {
	Start(ctx context.Context, viewer domain.Viewer) error
	Stop()
	Active() bool
	Status() RealtimeStatus
}

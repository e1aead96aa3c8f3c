package services_test

import (
	"context"
	"testing"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/lorrc/studio-realtime/internal/core/services"
	"github.com/stretchr/testify/assert"
)

func TestEventBus_Publish(t *testing.T) {
	ctx := context.Background()
	event := domain.DomainEvent{Kind: domain.EventShootUpdated, ShootID: "55"}

	t.Run("delivers in registration order", func(t *testing.T) {
		bus := services.NewEventBus(discardLogger())
		var order []string

		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { order = append(order, "first") }))
		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { order = append(order, "second") }))
		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { order = append(order, "third") }))

		bus.Publish(ctx, event)

		assert.Equal(t, []string{"first", "second", "third"}, order)
	})

	t.Run("panicking listener does not block the rest", func(t *testing.T) {
		bus := services.NewEventBus(discardLogger())
		var received []domain.DomainEvent

		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { panic("boom") }))
		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, e domain.DomainEvent) { received = append(received, e) }))

		assert.NotPanics(t, func() { bus.Publish(ctx, event) })
		assert.Equal(t, []domain.DomainEvent{event}, received)
	})

	t.Run("no replay for late listeners", func(t *testing.T) {
		bus := services.NewEventBus(discardLogger())
		bus.Publish(ctx, event)

		calls := 0
		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { calls++ }))

		assert.Zero(t, calls)
	})

	t.Run("unsubscribed listener is skipped", func(t *testing.T) {
		bus := services.NewEventBus(discardLogger())
		kept, removed := 0, 0

		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { kept++ }))
		unsubscribe := bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { removed++ }))

		unsubscribe()
		unsubscribe()
		bus.Publish(ctx, event)

		assert.Equal(t, 1, kept)
		assert.Zero(t, removed)
		assert.Equal(t, 1, bus.Len())
	})

	t.Run("unsubscribe during publish affects the next publish only", func(t *testing.T) {
		bus := services.NewEventBus(discardLogger())
		calls := 0
		var unsubscribe func()

		bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { unsubscribe() }))
		unsubscribe = bus.Subscribe(ports.ListenerFunc(func(_ context.Context, _ domain.DomainEvent) { calls++ }))

		bus.Publish(ctx, event)
		bus.Publish(ctx, event)

		assert.Equal(t, 1, calls)
	})
}

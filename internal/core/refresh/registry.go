package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"k8s.io/utils/clock"
)

// DefaultQuietPeriod is how long a registry waits after the last trigger
// before invoking its handlers.
const DefaultQuietPeriod = 300 * time.Millisecond

// Handler re-fetches or re-validates the data behind one UI surface. A
// handler that needs to do slow work should start it and return; the
// registry does not wait for background work.
type Handler func(ctx context.Context) error

// handlerList is an ordered set of handlers with removal by id.
type handlerList struct {
	mu      sync.Mutex
	entries []handlerEntry
	nextID  uint64
}

type handlerEntry struct {
	id      uint64
	handler Handler
}

func (l *handlerList) add(h Handler) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	l.entries = append(l.entries, handlerEntry{id: l.nextID, handler: h})
	return l.nextID
}

// remove reports whether the list is empty afterwards.
func (l *handlerList) remove(id uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			break
		}
	}
	return len(l.entries) == 0
}

func (l *handlerList) snapshot() []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()

	handlers := make([]Handler, len(l.entries))
	for i, e := range l.entries {
		handlers[i] = e.handler
	}
	return handlers
}

func (l *handlerList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// invokeAll runs every handler, swallowing errors and panics so one failing
// surface cannot block the others.
func invokeAll(logger *slog.Logger, handlers []Handler) {
	ctx := context.Background()
	for _, h := range handlers {
		invoke(ctx, logger, h)
	}
}

func invoke(ctx context.Context, logger *slog.Logger, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("refresh handler panicked", "panic", r)
		}
	}()
	if err := h(ctx); err != nil {
		logger.Debug("refresh handler failed", "error", err)
	}
}

// Registry coalesces refresh requests for a whole list.
type Registry struct {
	name      string
	handlers  handlerList
	debouncer *Debouncer[struct{}]
	logger    *slog.Logger
}

// NewRegistry creates a list-level registry.
func NewRegistry(name string, clk clock.WithDelayedExecution, quiet time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		name:   name,
		logger: logger.With("component", "refresh_registry", "registry", name),
	}
	r.debouncer = NewDebouncer(clk, quiet, func(struct{}) {
		handlers := r.handlers.snapshot()
		r.logger.Debug("refreshing", "handlers", len(handlers))
		invokeAll(r.logger, handlers)
	})
	return r
}

// Name returns the registry name.
func (r *Registry) Name() string {
	return r.name
}

// Register adds a handler. The owner must call the returned func when its
// surface is torn down.
func (r *Registry) Register(h Handler) func() {
	id := r.handlers.add(h)
	var once sync.Once
	return func() {
		once.Do(func() { r.handlers.remove(id) })
	}
}

// Trigger schedules one coalesced invocation of every handler registered
// when the quiet period ends.
func (r *Registry) Trigger() {
	r.debouncer.Trigger(struct{}{})
}

// Pending reports whether a refresh is scheduled.
func (r *Registry) Pending() bool {
	return r.debouncer.Pending(struct{}{})
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return r.handlers.len()
}

// Stop cancels a scheduled refresh.
func (r *Registry) Stop() {
	r.debouncer.Stop()
}

// KeyedRegistry coalesces refresh requests per entity. Keys debounce
// independently of each other.
type KeyedRegistry struct {
	name      string
	mu        sync.Mutex
	handlers  map[domain.ID]*handlerList
	debouncer *Debouncer[domain.ID]
	logger    *slog.Logger
}

// NewKeyedRegistry creates a per-entity registry.
func NewKeyedRegistry(name string, clk clock.WithDelayedExecution, quiet time.Duration, logger *slog.Logger) *KeyedRegistry {
	r := &KeyedRegistry{
		name:     name,
		handlers: make(map[domain.ID]*handlerList),
		logger:   logger.With("component", "refresh_registry", "registry", name),
	}
	r.debouncer = NewDebouncer(clk, quiet, func(key domain.ID) {
		handlers := r.snapshot(key)
		r.logger.Debug("refreshing", "key", key, "handlers", len(handlers))
		invokeAll(r.logger, handlers)
	})
	return r
}

// Name returns the registry name.
func (r *KeyedRegistry) Name() string {
	return r.name
}

// Register adds a handler for key. The owner must call the returned func
// when its surface is torn down.
func (r *KeyedRegistry) Register(key domain.ID, h Handler) func() {
	r.mu.Lock()
	list, ok := r.handlers[key]
	if !ok {
		list = &handlerList{}
		r.handlers[key] = list
	}
	id := list.add(h)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.unregister(key, list, id) })
	}
}

func (r *KeyedRegistry) unregister(key domain.ID, list *handlerList, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if list.remove(id) && r.handlers[key] == list {
		delete(r.handlers, key)
	}
}

func (r *KeyedRegistry) snapshot(key domain.ID) []Handler {
	r.mu.Lock()
	list, ok := r.handlers[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return list.snapshot()
}

// Trigger schedules one coalesced invocation of the handlers registered for
// key. A key without handlers still gets a timer that fires into an empty
// set. The zero key is ignored.
func (r *KeyedRegistry) Trigger(key domain.ID) {
	if key.IsZero() {
		return
	}
	r.debouncer.Trigger(key)
}

// Pending reports whether a refresh is scheduled for key.
func (r *KeyedRegistry) Pending(key domain.ID) bool {
	return r.debouncer.Pending(key)
}

// Len returns the number of handlers registered for key.
func (r *KeyedRegistry) Len(key domain.ID) int {
	r.mu.Lock()
	list, ok := r.handlers[key]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	return list.len()
}

// Stop cancels every scheduled refresh.
func (r *KeyedRegistry) Stop() {
	r.debouncer.Stop()
}

package refresh

import (
	"context"
	"log/slog"
	"time"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"k8s.io/utils/clock"
)

// Registry names.
const (
	EditingRequestsRegistry = "editing_requests"
	ShootsRegistry          = "shoots"
	ShootHistoryRegistry    = "shoot_history"
	InvoicesRegistry        = "invoices"
	ShootDetailsRegistry    = "shoot_details"
)

// Registries groups the refresh registries of the console.
type Registries struct {
	EditingRequests *Registry
	Shoots          *Registry
	ShootHistory    *Registry
	Invoices        *Registry
	ShootDetails    *KeyedRegistry
}

// NewRegistries creates every registry with the same quiet period. debug
// receives refresh runs and handler failures.
func NewRegistries(clk clock.WithDelayedExecution, quiet time.Duration, debug *slog.Logger) *Registries {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Registries{
		EditingRequests: NewRegistry(EditingRequestsRegistry, clk, quiet, debug),
		Shoots:          NewRegistry(ShootsRegistry, clk, quiet, debug),
		ShootHistory:    NewRegistry(ShootHistoryRegistry, clk, quiet, debug),
		Invoices:        NewRegistry(InvoicesRegistry, clk, quiet, debug),
		ShootDetails:    NewKeyedRegistry(ShootDetailsRegistry, clk, quiet, debug),
	}
}

// Lists returns the list-level registries.
func (r *Registries) Lists() []*Registry {
	return []*Registry{r.EditingRequests, r.Shoots, r.ShootHistory, r.Invoices}
}

// Stop cancels every scheduled refresh.
func (r *Registries) Stop() {
	for _, list := range r.Lists() {
		list.Stop()
	}
	r.ShootDetails.Stop()
}

// Router is a bus listener that turns domain events into registry
// triggers.
type Router struct {
	registries *Registries
	logger     *slog.Logger
}

var _ ports.Listener = (*Router)(nil)

// NewRouter creates a router for registries.
func NewRouter(registries *Registries, debug *slog.Logger) *Router {
	return &Router{
		registries: registries,
		logger:     debug.With("component", "refresh_router"),
	}
}

// Notify implements ports.Listener.
func (rt *Router) Notify(_ context.Context, event domain.DomainEvent) {
	r := rt.registries

	switch event.Kind {
	case domain.EventShootUpdated, domain.EventShootAssigned:
		r.Shoots.Trigger()
		r.ShootHistory.Trigger()
		r.ShootDetails.Trigger(event.ShootID)
	case domain.EventInvoicePaid:
		r.Invoices.Trigger()
		r.Shoots.Trigger()
		r.ShootDetails.Trigger(event.ShootID)
	case domain.EventRequestUpdated:
		r.EditingRequests.Trigger()
		r.ShootDetails.Trigger(event.ShootID)
	default:
		rt.logger.Debug("no registry for event", "kind", event.Kind)
	}
}

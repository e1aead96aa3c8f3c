package domain

// EventKind defines the type of domain event exposed to UI surfaces.
type EventKind string

const (
	EventShootUpdated   EventKind = "shoot.updated"
	EventShootAssigned  EventKind = "shoot.assigned"
	EventRequestUpdated EventKind = "request.updated"
	EventInvoicePaid    EventKind = "invoice.paid"
)

// IsValid checks if the kind is one of the closed set of domain events.
func (k EventKind) IsValid() bool {
	switch k {
	case EventShootUpdated, EventShootAssigned, EventRequestUpdated, EventInvoicePaid:
		return true
	}
	return false
}

// DomainEvent is a classified, business-meaningful event derived from one
// raw broker payload.
type DomainEvent struct {
	Kind      EventKind `json:"kind"`
	ShootID   ID        `json:"shootId,omitempty"`
	RequestID ID        `json:"requestId,omitempty"`
	InvoiceID ID        `json:"invoiceId,omitempty"`

	// Raw is the original payload, kept for diagnostics only.
	Raw map[string]any `json:"-"`
}

// HasIdentifier reports whether at least one identifier is set.
func (e DomainEvent) HasIdentifier() bool {
	return !e.ShootID.IsZero() || !e.RequestID.IsZero() || !e.InvoiceID.IsZero()
}

// Activity is the normalized view of a raw activity payload.
type Activity struct {
	Type      string
	ShootID   ID
	InvoiceID ID
	RequestID ID
}

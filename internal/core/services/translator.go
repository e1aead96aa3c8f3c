package services

import (
	"log/slog"
	"strings"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

// Field locations read by Normalize, in priority order. The first
// location holding a usable value wins.
var (
	activityTypePaths = [][]string{{"activityType"}, {"activity_type"}, {"action"}, {"type"}, {"activity", "type"}}
	shootIDPaths      = [][]string{{"shoot", "id"}, {"shootId"}, {"shoot_id"}, {"id"}}
	invoiceIDPaths    = [][]string{{"invoice", "id"}, {"invoiceId"}, {"invoice_id"}, {"metadata", "invoice_id"}}
	requestIDPaths    = [][]string{{"request", "id"}, {"requestId"}, {"request_id"}}
)

// Translator narrows the noisy activity stream down to the few domain
// events the console reacts to.
type Translator struct {
	payment  string
	shoot    map[string]struct{}
	assigned map[string]struct{}
	requests map[string]struct{}
	logger   *slog.Logger
}

var _ ports.Classifier = (*Translator)(nil)

// NewTranslator creates a translator for the given rules. debug receives
// every classification decision.
func NewTranslator(rules domain.ActivityRules, debug *slog.Logger) *Translator {
	rules = rules.Normalized()
	return &Translator{
		payment:  rules.PaymentCompleted,
		shoot:    toSet(rules.ShootActions),
		assigned: toSet(rules.ShootAssignedActions),
		requests: toSet(rules.RequestActions),
		logger:   debug.With("component", "event_translator"),
	}
}

// Classify maps a raw payload to a domain event. The boolean is false when
// the payload is not actionable; that is the expected outcome for most
// activity types and is never an error.
func (t *Translator) Classify(raw map[string]any) (domain.DomainEvent, bool) {
	activity := Normalize(raw)

	event := domain.DomainEvent{
		ShootID:   activity.ShootID,
		RequestID: activity.RequestID,
		InvoiceID: activity.InvoiceID,
		Raw:       raw,
	}

	switch {
	case activity.Type == "":
	case t.payment != "" && activity.Type == t.payment:
		event.Kind = domain.EventInvoicePaid
	case contains(t.shoot, activity.Type):
		event.Kind = domain.EventShootUpdated
	case contains(t.assigned, activity.Type):
		event.Kind = domain.EventShootAssigned
	case contains(t.requests, activity.Type):
		event.Kind = domain.EventRequestUpdated
	}

	if event.Kind == "" {
		t.logger.Debug("activity ignored", "activity_type", activity.Type)
		return domain.DomainEvent{}, false
	}

	if !event.HasIdentifier() {
		t.logger.Debug("activity ignored: no identifier",
			"activity_type", activity.Type,
			"kind", event.Kind,
		)
		return domain.DomainEvent{}, false
	}

	t.logger.Debug("activity classified",
		"activity_type", activity.Type,
		"kind", event.Kind,
		"shoot_id", event.ShootID,
		"invoice_id", event.InvoiceID,
		"request_id", event.RequestID,
	)
	return event, true
}

// Normalize extracts the activity type and entity identifiers from a raw
// payload of unknown shape. It never panics: missing, nil and mistyped
// fields are skipped.
func Normalize(raw map[string]any) domain.Activity {
	return domain.Activity{
		Type:      strings.ToLower(strings.TrimSpace(firstString(raw, activityTypePaths))),
		ShootID:   firstID(raw, shootIDPaths),
		InvoiceID: firstID(raw, invoiceIDPaths),
		RequestID: firstID(raw, requestIDPaths),
	}
}

func lookup(raw map[string]any, path []string) any {
	var current any = raw
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[key]
	}
	return current
}

func firstString(raw map[string]any, paths [][]string) string {
	for _, path := range paths {
		if s, ok := lookup(raw, path).(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func firstID(raw map[string]any, paths [][]string) domain.ID {
	for _, path := range paths {
		if id := domain.ParseID(lookup(raw, path)); !id.IsZero() {
			return id
		}
	}
	return ""
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func contains(set map[string]struct{}, v string) bool {
	_, ok := set[v]
	return ok
}

package services_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/services"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTranslator() *services.Translator {
	return services.NewTranslator(domain.DefaultActivityRules(), discardLogger())
}

func TestTranslator_ShootLifecycleActions(t *testing.T) {
	translator := newTranslator()

	for _, activity := range domain.DefaultActivityRules().ShootActions {
		t.Run(activity, func(t *testing.T) {
			event, ok := translator.Classify(map[string]any{
				"activityType": activity,
				"shoot":        map[string]any{"id": float64(55)},
			})

			require.True(t, ok)
			assert.Equal(t, domain.EventShootUpdated, event.Kind)
			assert.Equal(t, domain.ID("55"), event.ShootID)
		})
	}
}

func TestTranslator_ShootIDLocations(t *testing.T) {
	translator := newTranslator()

	tests := []struct {
		name    string
		payload map[string]any
		want    domain.ID
	}{
		{"nested shoot object", map[string]any{"activity_type": "shoot_completed", "shoot": map[string]any{"id": float64(1)}}, "1"},
		{"camel case field", map[string]any{"activity_type": "shoot_completed", "shootId": "2"}, "2"},
		{"snake case field", map[string]any{"activity_type": "shoot_completed", "shoot_id": float64(3)}, "3"},
		{"top-level id", map[string]any{"activity_type": "shoot_completed", "id": float64(4)}, "4"},
		{"nested object wins over flat field", map[string]any{"activity_type": "shoot_completed", "shoot": map[string]any{"id": float64(5)}, "shoot_id": float64(6), "id": float64(7)}, "5"},
		{"flat field wins over top-level id", map[string]any{"activity_type": "shoot_completed", "shoot_id": float64(6), "id": float64(7)}, "6"},
		{"null nested object falls through", map[string]any{"activity_type": "shoot_completed", "shoot": nil, "shootId": float64(8)}, "8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, ok := translator.Classify(tt.payload)
			require.True(t, ok)
			assert.Equal(t, tt.want, event.ShootID)
		})
	}
}

func TestTranslator_PaymentDone(t *testing.T) {
	translator := newTranslator()

	event, ok := translator.Classify(map[string]any{
		"action":  "payment_done",
		"shoot":   map[string]any{"id": float64(55)},
		"invoice": map[string]any{"id": "INV-9"},
	})

	require.True(t, ok)
	assert.Equal(t, domain.EventInvoicePaid, event.Kind)
	assert.Equal(t, domain.ID("55"), event.ShootID)
	assert.Equal(t, domain.ID("INV-9"), event.InvoiceID)
}

func TestTranslator_ActivityTypeIsCaseInsensitive(t *testing.T) {
	translator := newTranslator()

	event, ok := translator.Classify(map[string]any{"type": "Payment_Done", "invoice_id": float64(12)})

	require.True(t, ok)
	assert.Equal(t, domain.EventInvoicePaid, event.Kind)
	assert.Equal(t, domain.ID("12"), event.InvoiceID)
}

func TestTranslator_NotActionable(t *testing.T) {
	translator := newTranslator()

	payloads := map[string]map[string]any{
		"nil payload":           nil,
		"empty payload":         {},
		"unknown activity":      {"activityType": "user_logged_in", "id": float64(1)},
		"activity type not str": {"activityType": float64(42), "id": float64(1)},
		"nested type not map":   {"activity": "shoot_completed", "id": float64(1)},
		"shoot is a string":     {"activityType": "profile_updated", "shoot": "55"},
		"no identifier":         {"activityType": "shoot_completed"},
		"null identifiers":      {"activityType": "payment_done", "shoot": nil, "invoice": map[string]any{"id": nil}},
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				event, ok := translator.Classify(payload)
				assert.False(t, ok)
				assert.Equal(t, domain.DomainEvent{}, event)
			})
		})
	}
}

func TestTranslator_ConfiguredRules(t *testing.T) {
	rules := domain.ActivityRules{
		PaymentCompleted:     "invoice_settled",
		ShootActions:         []string{"shoot_created"},
		ShootAssignedActions: []string{"Photographer_Assigned"},
		RequestActions:       []string{"editing_request_updated"},
	}
	translator := services.NewTranslator(rules, discardLogger())

	t.Run("custom payment token", func(t *testing.T) {
		event, ok := translator.Classify(map[string]any{"activityType": "invoice_settled", "invoiceId": float64(3)})
		require.True(t, ok)
		assert.Equal(t, domain.EventInvoicePaid, event.Kind)
	})

	t.Run("default payment token no longer matches", func(t *testing.T) {
		_, ok := translator.Classify(map[string]any{"activityType": "payment_done", "invoiceId": float64(3)})
		assert.False(t, ok)
	})

	t.Run("assignment", func(t *testing.T) {
		event, ok := translator.Classify(map[string]any{"activityType": "photographer_assigned", "shoot_id": float64(4)})
		require.True(t, ok)
		assert.Equal(t, domain.EventShootAssigned, event.Kind)
	})

	t.Run("request", func(t *testing.T) {
		event, ok := translator.Classify(map[string]any{"activityType": "editing_request_updated", "request": map[string]any{"id": float64(8)}})
		require.True(t, ok)
		assert.Equal(t, domain.EventRequestUpdated, event.Kind)
		assert.Equal(t, domain.ID("8"), event.RequestID)
	})
}

func TestNormalize_DecodedJSON(t *testing.T) {
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{
		"activity": {"type": "MEDIA_UPLOADED"},
		"shoot": {"id": 101},
		"metadata": {"invoice_id": "77"},
		"request_id": 5
	}`), &raw))

	activity := services.Normalize(raw)

	assert.Equal(t, domain.Activity{
		Type:      "media_uploaded",
		ShootID:   "101",
		InvoiceID: "77",
		RequestID: "5",
	}, activity)
}

func TestTranslator_LogsDecisionsOnDebugSurface(t *testing.T) {
	var buf bytes.Buffer
	cfg := logging.Config{Level: "info", Format: "json", Output: &buf}

	translator := services.NewTranslator(domain.DefaultActivityRules(), logging.Debug(cfg, true))
	_, ok := translator.Classify(map[string]any{
		"activityType": "shoot_completed",
		"shoot":        map[string]any{"id": "55"},
	})
	require.True(t, ok)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "activity classified", record["msg"])
	assert.Equal(t, "event_translator", record["component"])
	assert.Equal(t, string(domain.EventShootUpdated), record["kind"])
	assert.Equal(t, "55", record["shoot_id"])

	buf.Reset()
	quiet := services.NewTranslator(domain.DefaultActivityRules(), logging.Debug(cfg, false))
	quiet.Classify(map[string]any{"activityType": "shoot_completed", "shootId": 55})
	assert.Zero(t, buf.Len())
}

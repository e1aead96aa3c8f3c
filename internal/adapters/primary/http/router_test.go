package http

import (
	"context"
	"encoding/json"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	wsAdapter "github.com/lorrc/studio-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/studio-realtime/internal/auth"
	"github.com/lorrc/studio-realtime/internal/config"
	"github.com/lorrc/studio-realtime/internal/core/domain"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/mocks"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

const testSecret = "relay-test-secret-0123456789abcdef"

type testRelay struct {
	broker  *mocks.MockConnectionManager
	session *mocks.MockRealtimeSession
	hub     *wsAdapter.Hub
	tokens  *auth.TokenManager
	router  stdhttp.Handler
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cfg := &config.Config{
		WebSocket: config.WebSocketConfig{ReadBufferSize: 1024, WriteBufferSize: 1024},
		App:       config.AppConfig{Environment: "development"},
	}

	relay := &testRelay{
		broker:  mocks.NewMockConnectionManager(),
		session: mocks.NewMockRealtimeSession(),
		hub:     wsAdapter.NewHub(logger),
		tokens:  auth.NewTokenManager(testSecret, time.Minute),
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relay.hub.Run(ctx)

	errorHandler := NewErrorHandler(logger)
	relay.router = NewRouter(RouterConfig{
		Health:    NewHealthHandler(relay.broker, relay.hub, "test"),
		Realtime:  NewRealtimeHandler(relay.session, errorHandler, logger),
		WebSocket: NewWebSocketHandler(relay.hub, relay.tokens, cfg, logger),
		Tokens:    relay.tokens,
		Logger:    logger,
	})
	return relay
}

func (tr *testRelay) token(t *testing.T, viewer domain.Viewer) string {
	t.Helper()
	token, err := tr.tokens.GenerateToken(viewer)
	require.NoError(t, err)
	return token
}

func (tr *testRelay) do(method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	tr.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Run("liveness", func(t *testing.T) {
		tr := newTestRelay(t)
		rec := tr.do(stdhttp.MethodGet, "/health/live", "", "")
		assert.Equal(t, stdhttp.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	tests := []struct {
		name      string
		enabled   bool
		connected bool
		want      int
	}{
		{"connected broker", true, true, stdhttp.StatusOK},
		{"disconnected broker", true, false, stdhttp.StatusServiceUnavailable},
		{"realtime disabled", false, false, stdhttp.StatusOK},
	}

	for _, tt := range tests {
		t.Run("readiness with "+tt.name, func(t *testing.T) {
			tr := newTestRelay(t)
			tr.broker.On("IsEnabled").Return(tt.enabled)
			tr.broker.On("Connected").Return(tt.connected).Maybe()

			rec := tr.do(stdhttp.MethodGet, "/health/ready", "", "")

			assert.Equal(t, tt.want, rec.Code)
			var body HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Contains(t, body.Checks, "broker")
		})
	}

	t.Run("detailed health stays 200 when degraded", func(t *testing.T) {
		tr := newTestRelay(t)
		tr.broker.On("IsEnabled").Return(true)
		tr.broker.On("Connected").Return(false)

		rec := tr.do(stdhttp.MethodGet, "/health", "", "")

		assert.Equal(t, stdhttp.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"degraded"`)
	})
}

func TestRealtimeStatus(t *testing.T) {
	tr := newTestRelay(t)
	tr.session.On("Status").Return(ports.RealtimeStatus{
		Enabled:   true,
		Connected: true,
		Active:    true,
		Role:      "admin",
		Channels:  []string{domain.AdminChannel},
		Listeners: 3,
	})

	rec := tr.do(stdhttp.MethodGet, "/api/v1/realtime/status", "", "")

	require.Equal(t, stdhttp.StatusOK, rec.Code)
	var status ports.RealtimeStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Active)
	assert.Equal(t, []string{domain.AdminChannel}, status.Channels)
	assert.Equal(t, 3, status.Listeners)
}

func TestRealtimeSession_Start(t *testing.T) {
	admin := domain.Viewer{Role: domain.RoleAdmin, UserID: "1"}

	t.Run("requires a token", func(t *testing.T) {
		tr := newTestRelay(t)
		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", "", `{"role":"admin"}`)
		assert.Equal(t, stdhttp.StatusUnauthorized, rec.Code)
	})

	t.Run("requires an admin", func(t *testing.T) {
		tr := newTestRelay(t)
		token := tr.token(t, domain.Viewer{Role: domain.RoleClient, UserID: "7"})
		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", token, `{"role":"admin"}`)
		assert.Equal(t, stdhttp.StatusForbidden, rec.Code)
		tr.session.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		tr := newTestRelay(t)
		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", tr.token(t, admin), `{`)
		assert.Equal(t, stdhttp.StatusBadRequest, rec.Code)
	})

	t.Run("validates the viewer", func(t *testing.T) {
		tr := newTestRelay(t)
		token := tr.token(t, admin)

		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", token, `{"role":"guest"}`)
		require.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)
		var body ValidationErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.Fields, "role")

		rec = tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", token, `{"role":"client"}`)
		require.Equal(t, stdhttp.StatusUnprocessableEntity, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.Fields, "userId")

		tr.session.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
	})

	t.Run("starts the session", func(t *testing.T) {
		tr := newTestRelay(t)
		want := domain.Viewer{Role: domain.RoleClient, UserID: "7"}
		tr.session.On("Start", mock.Anything, want).Return(nil).Once()
		tr.session.On("Status").Return(ports.RealtimeStatus{
			Enabled:  true,
			Active:   true,
			Role:     "client",
			Channels: []string{"client.7.notifications"},
		})

		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", tr.token(t, admin), `{"role":"Client","userId":7}`)

		require.Equal(t, stdhttp.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "client.7.notifications")
		tr.session.AssertExpectations(t)
	})

	t.Run("maps broker failures", func(t *testing.T) {
		tr := newTestRelay(t)
		tr.session.On("Start", mock.Anything, mock.Anything).Return(apperrors.ErrChannelAuth)

		rec := tr.do(stdhttp.MethodPut, "/api/v1/realtime/session", tr.token(t, admin), `{"role":"admin"}`)

		assert.Equal(t, stdhttp.StatusBadGateway, rec.Code)
		assert.Contains(t, rec.Body.String(), "CHANNEL_AUTH_FAILED")
	})
}

func TestRealtimeSession_Stop(t *testing.T) {
	tr := newTestRelay(t)
	tr.session.On("Stop").Return().Once()

	rec := tr.do(stdhttp.MethodDelete, "/api/v1/realtime/session", tr.token(t, domain.Viewer{Role: domain.RoleSuperAdmin}), "")

	assert.Equal(t, stdhttp.StatusNoContent, rec.Code)
	tr.session.AssertExpectations(t)
}

func TestWebSocketRelay(t *testing.T) {
	tr := newTestRelay(t)
	server := httptest.NewServer(tr.router)
	t.Cleanup(server.Close)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/ws"

	t.Run("rejects a missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("accepts a bearer header", func(t *testing.T) {
		header := stdhttp.Header{}
		header.Set("Authorization", "Bearer "+tr.token(t, domain.Viewer{Role: domain.RoleEditor, UserID: "3"}))
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		require.NoError(t, err)

		require.NoError(t, conn.WriteJSON(map[string]any{"type": "launch_rockets"}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var reply wsAdapter.Message
		require.NoError(t, conn.ReadJSON(&reply))
		assert.Equal(t, wsAdapter.MessageError, reply.Type)
		assert.Contains(t, reply.Error, "unknown command")

		require.NoError(t, conn.Close())
		require.Eventually(t, func() bool { return tr.hub.GetClientCount() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("rejects a bad token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=nope", nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("relays events", func(t *testing.T) {
		token := tr.token(t, domain.Viewer{Role: domain.RoleAdmin, UserID: "1"})
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = conn.Close() })

		require.Eventually(t, func() bool { return tr.hub.GetClientCount() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, conn.WriteJSON(map[string]any{
			"type":    wsAdapter.MessageSubscribeToShoot,
			"payload": map[string]any{"shootId": 55},
		}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ack wsAdapter.Message
		require.NoError(t, conn.ReadJSON(&ack))
		assert.Equal(t, wsAdapter.MessageSubscribed, ack.Type)
		assert.Equal(t, 1, tr.hub.GetClientsInRoom("55"))

		tr.hub.Notify(context.Background(), domain.DomainEvent{Kind: domain.EventShootAssigned, ShootID: "55"})
		require.NoError(t, tr.hub.Refresher(wsAdapter.MessageRefreshShoots)(context.Background()))

		var first, second wsAdapter.Message
		require.NoError(t, conn.ReadJSON(&first))
		require.NoError(t, conn.ReadJSON(&second))

		assert.Equal(t, wsAdapter.MessageShootAssigned, first.Type)
		assert.Equal(t, domain.ID("55"), first.ShootID)
		assert.Equal(t, wsAdapter.MessageRefreshShoots, second.Type)
	})
}

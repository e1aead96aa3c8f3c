package middleware_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/studio-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/studio-realtime/internal/auth"
	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := middleware.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = middleware.GetRequestID(r.Context())
	}))

	t.Run("generates an id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("keeps the caller's id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(middleware.RequestIDHeader, "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc", seen)
		assert.Equal(t, "abc", rec.Header().Get(middleware.RequestIDHeader))
	})
}

func TestRecoveryLogger(t *testing.T) {
	h := middleware.RecoveryLogger(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")

	abort := middleware.RecoveryLogger(slog.New(slog.DiscardHandler))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRateLimiter(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
		TTL:               time.Minute,
	})
	t.Cleanup(rl.Close)
	h := rl.Middleware(okHandler())

	do := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.1, 192.168.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, do("10.0.0.1"))
	assert.Equal(t, http.StatusOK, do("10.0.0.2"))
}

func TestJWTMiddleware(t *testing.T) {
	tm := auth.NewTokenManager("test-secret-that-is-long-enough-123", time.Minute)
	admin, err := tm.GenerateToken(domain.Viewer{Role: domain.RoleAdmin, UserID: "1"})
	require.NoError(t, err)
	editor, err := tm.GenerateToken(domain.Viewer{Role: domain.RoleEditor, UserID: "2"})
	require.NoError(t, err)

	h := middleware.JWTMiddleware(tm)(middleware.RequireAdmin(okHandler()))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + admin, http.StatusUnauthorized},
		{"garbage token", "Bearer nope", http.StatusUnauthorized},
		{"non-admin", "Bearer " + editor, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	h := middleware.CORS([]string{"https://console.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/realtime/status", nil)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger_RecordsViewerAndSession(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "info", Format: "json", Output: &buf, ServiceName: "studio-realtime"})
	tm := auth.NewTokenManager("test-secret-that-is-long-enough-123", time.Minute)
	token, err := tm.GenerateToken(domain.Viewer{Role: domain.RoleSuperAdmin, UserID: "1"})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(logger))
	r.With(middleware.JWTMiddleware(tm)).Put("/api/v1/realtime/session/{role}", func(w http.ResponseWriter, r *http.Request) {
		middleware.NoteSession(r.Context(), "sess-42")
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPut, "/api/v1/realtime/session/client", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(middleware.RequestIDHeader, "req-1")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "http request", line["msg"])
	assert.Equal(t, "/api/v1/realtime/session/{role}", line["route"])
	assert.Equal(t, float64(http.StatusAccepted), line["status"])
	assert.Equal(t, "superadmin", line["role"])
	assert.Equal(t, "1", line["user_id"])
	assert.Equal(t, "sess-42", line["session_id"])
	assert.Equal(t, "req-1", line["request_id"])
}

func TestRequestLogger_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewLogger(logging.Config{Level: "info", Format: "json", Output: &buf})
	h := middleware.RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "/api/v1/ws", line["route"])
	assert.NotContains(t, line, "role")
}

func TestAuthenticate(t *testing.T) {
	tm := auth.NewTokenManager("test-secret-that-is-long-enough-123", time.Minute)
	viewer := domain.Viewer{Role: domain.RolePhotographer, UserID: "12"}
	token, err := tm.GenerateToken(viewer)
	require.NoError(t, err)

	request := func(header, query string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/ws"+query, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		return req
	}

	t.Run("header", func(t *testing.T) {
		claims, err := middleware.Authenticate(tm, request("bearer "+token, ""), middleware.FromHeader)
		require.NoError(t, err)
		assert.Equal(t, viewer, claims.Viewer())
	})

	t.Run("query only when allowed", func(t *testing.T) {
		_, err := middleware.Authenticate(tm, request("", "?token="+token), middleware.FromHeader)
		assert.ErrorIs(t, err, middleware.ErrMissingToken)

		claims, err := middleware.Authenticate(tm, request("", "?token="+token), middleware.FromHeaderOrQuery)
		require.NoError(t, err)
		assert.Equal(t, viewer, claims.Viewer())
	})

	t.Run("malformed header is not rescued by the query", func(t *testing.T) {
		_, err := middleware.Authenticate(tm, request("Token "+token, "?token="+token), middleware.FromHeaderOrQuery)
		assert.ErrorIs(t, err, middleware.ErrMalformedToken)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, err := middleware.Authenticate(tm, request("", "?token=nope"), middleware.FromHeaderOrQuery)
		assert.ErrorIs(t, err, middleware.ErrInvalidToken)

		rec := httptest.NewRecorder()
		middleware.Unauthorized(rec, err)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid or expired token\n", rec.Body.String())
	})

	t.Run("no token manager", func(t *testing.T) {
		_, err := middleware.Authenticate(nil, request("Bearer "+token, ""), middleware.FromHeader)
		assert.ErrorIs(t, err, middleware.ErrInvalidToken)
	})
}

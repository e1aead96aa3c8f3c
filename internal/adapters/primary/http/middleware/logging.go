package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
)

// trail collects what handlers learn about a request after RequestLogger
// has handed it on: who the token belonged to and which realtime session
// the request touched.
type trail struct {
	mu        sync.Mutex
	viewer    domain.Viewer
	sessionID string
}

type trailKey struct{}

func trailFrom(ctx context.Context) *trail {
	t, _ := ctx.Value(trailKey{}).(*trail)
	return t
}

// NoteViewer records the authenticated viewer on the request's log line.
func NoteViewer(ctx context.Context, viewer domain.Viewer) {
	if t := trailFrom(ctx); t != nil {
		t.mu.Lock()
		t.viewer = viewer
		t.mu.Unlock()
	}
}

// NoteSession records the realtime session a request started.
func NoteSession(ctx context.Context, sessionID string) {
	if t := trailFrom(ctx); t != nil {
		t.mu.Lock()
		t.sessionID = sessionID
		t.mu.Unlock()
	}
}

// annotate moves the trail into ctx so the logging handler emits it, and
// returns the viewer's role.
func (t *trail) annotate(ctx context.Context) (context.Context, domain.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessionID != "" {
		ctx = logging.WithSessionID(ctx, t.sessionID)
	}
	if !t.viewer.UserID.IsZero() {
		ctx = logging.WithUserID(ctx, t.viewer.UserID.String())
	}
	return ctx, t.viewer.Role
}

// RequestLogger logs one line per request once the handler returns. A
// relay socket is logged when it closes, with its whole lifetime as the
// duration.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := &trail{}
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), trailKey{}, t)))

			ctx, role := t.annotate(r.Context())
			status, msg := ww.Status(), "http request"
			if websocket.IsWebSocketUpgrade(r) && status == 0 {
				status, msg = http.StatusSwitchingProtocols, "relay socket closed"
			}

			attrs := []any{
				"method", r.Method,
				"route", routePattern(r),
				"status", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", ww.BytesWritten(),
				"client_ip", getClientIP(r),
			}
			if role != "" {
				attrs = append(attrs, "role", role)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.Log(ctx, level, msg, attrs...)
		})
	}
}

// routePattern returns chi's matched pattern, or the raw path before
// routing has happened.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// RecoveryLogger turns a handler panic into a 500 and a logged stack. An
// upgraded relay socket has no HTTP response left to write.
func RecoveryLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				logging.LogPanic(logging.LoggerFromContext(r.Context(), logger).With(
					"method", r.Method,
					"route", routePattern(r),
				), rec)

				if websocket.IsWebSocketUpgrade(r) {
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal server error","code":"INTERNAL_ERROR"}`))
			}()

			next.ServeHTTP(w, r)
		})
	}
}

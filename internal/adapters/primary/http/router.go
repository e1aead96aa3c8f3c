package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/studio-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/studio-realtime/internal/auth"
)

// RouterConfig carries everything the relay router mounts.
type RouterConfig struct {
	Health      *HealthHandler
	Realtime    *RealtimeHandler
	WebSocket   *WebSocketHandler
	Tokens      *auth.TokenManager
	RateLimiter *mw.RateLimiter // optional
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter builds the relay's chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(mw.RecoveryLogger(cfg.Logger))
	r.Use(mw.CORS(cfg.CORSOrigins))

	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware)
	}

	// Health check endpoints (outside /api/v1 for standard probe paths)
	cfg.Health.RegisterRoutes(r)

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket route (Authentication is handled inside the handler)
		r.Get("/ws", cfg.WebSocket.ServeHTTP)

		r.Route("/realtime", func(r chi.Router) {
			cfg.Realtime.RegisterPublicRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(mw.JWTMiddleware(cfg.Tokens))
				r.Use(mw.RequireAdmin)
				cfg.Realtime.RegisterAdminRoutes(r)
			})
		})
	})

	return r
}

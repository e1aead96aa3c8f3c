package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	mw "github.com/lorrc/studio-realtime/internal/adapters/primary/http/middleware"
	wsAdapter "github.com/lorrc/studio-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/studio-realtime/internal/auth"
	"github.com/lorrc/studio-realtime/internal/config"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
)

// OriginPolicy decides which browser origins may open a relay socket.
// Entries are hosts ("console.example.com"), origins
// ("https://console.example.com") or wildcard subdomains ("*.example.com",
// which also admits the apex).
type OriginPolicy struct {
	allowAll bool
	hosts    map[string]struct{}
	suffixes []string
}

// NewOriginPolicy builds the policy for cfg. Development admits every
// origin.
func NewOriginPolicy(cfg *config.Config) OriginPolicy {
	p := OriginPolicy{
		allowAll: cfg.IsDevelopment(),
		hosts:    make(map[string]struct{}),
	}
	for _, entry := range cfg.WebSocket.AllowedOrigins {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if u, err := url.Parse(entry); err == nil && u.Host != "" {
			entry = u.Host
		}
		if apex, ok := strings.CutPrefix(entry, "*."); ok {
			p.suffixes = append(p.suffixes, "."+apex)
			entry = apex
		}
		if entry != "" {
			p.hosts[entry] = struct{}{}
		}
	}
	return p
}

// Allows reports whether a handshake carrying origin may proceed. Requests
// without an Origin header come from non-browser clients and are allowed.
func (p OriginPolicy) Allows(origin string) bool {
	if p.allowAll || origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	if _, ok := p.hosts[host]; ok {
		return true
	}
	return lo.SomeBy(p.suffixes, func(suffix string) bool {
		return strings.HasSuffix(host, suffix)
	})
}

// WebSocketHandler upgrades authenticated requests to relay sockets and
// hands them to the hub.
type WebSocketHandler struct {
	hub      *wsAdapter.Hub
	tm       *auth.TokenManager
	origins  OriginPolicy
	client   wsAdapter.ClientOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates the relay socket endpoint.
func NewWebSocketHandler(
	hub *wsAdapter.Hub,
	tm *auth.TokenManager,
	cfg *config.Config,
	logger *slog.Logger,
) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:     hub,
		tm:      tm,
		origins: NewOriginPolicy(cfg),
		client: wsAdapter.ClientOptions{
			PongWait:   cfg.WebSocket.PongWait,
			SendBuffer: cfg.WebSocket.SendBuffer,
		},
		logger: logger.With("component", "relay_socket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if h.origins.Allows(origin) {
		return true
	}
	logging.LoggerFromContext(r.Context(), h.logger).Warn("relay socket origin refused",
		"origin", origin,
		"remote_addr", r.RemoteAddr,
	)
	return false
}

// ServeHTTP authenticates the handshake, upgrades it and serves the socket
// until it closes.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.LoggerFromContext(r.Context(), h.logger)

	claims, err := mw.Authenticate(h.tm, r, mw.FromHeaderOrQuery)
	if err != nil {
		logger.Warn("relay socket refused", "remote_addr", r.RemoteAddr, "error", err)
		mw.Unauthorized(w, err)
		return
	}
	viewer := claims.Viewer()

	// Upgrade writes its own error response.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("relay socket upgrade failed", "role", viewer.Role, "error", err)
		return
	}

	client := wsAdapter.NewClient(h.hub, conn, viewer, h.client, logger)
	if !h.hub.Attach(client) {
		logger.Warn("relay socket refused: relay is shutting down", "client_id", client.ID)
		client.Refuse("relay is shutting down")
		return
	}

	logger.Info("relay socket opened",
		"client_id", client.ID,
		"role", viewer.Role,
		"user_id", viewer.UserID,
	)
	client.Serve()
}

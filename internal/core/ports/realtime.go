package ports

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lorrc/studio-realtime/internal/core/domain"
)

// ConnectionState is a broker connection lifecycle signal.
type ConnectionState string

const (
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateError        ConnectionState = "error"
)

// StateHandler observes connection lifecycle signals. err is nil for
// StateConnected.
type StateHandler func(state ConnectionState, err error)

// PayloadHandler receives the decoded data of one broker event.
type PayloadHandler func(payload map[string]any)

// HeaderProvider supplies authentication headers for private-channel
// authorization requests.
type HeaderProvider func(ctx context.Context) (http.Header, error)

// Connection is a persistent publish/subscribe connection to the broker.
// A Connection remembers its subscriptions and re-establishes them every
// time Connect succeeds.
type Connection interface {
	// Connect (re)establishes the underlying socket.
	Connect(ctx context.Context) error

	// Subscribe attaches handler to event on channel. The returned func
	// detaches it; the channel is left once no handlers remain.
	Subscribe(ctx context.Context, channel domain.Channel, event string, handler PayloadHandler) (unsubscribe func(), err error)

	// Bind registers a lifecycle listener. The returned func unbinds it.
	Bind(handler StateHandler) (unbind func())

	// Close tears the socket down for good.
	Close() error
}

// ConnectionOptions carries everything a transport needs to build a
// Connection.
type ConnectionOptions struct {
	AppKey         string
	Cluster        string
	Host           string
	Port           int
	ForceTLS       bool
	AuthEndpoint   string
	URL            string
	HeaderProvider HeaderProvider
	Logger         *slog.Logger
}

// Transport builds broker connections. Building must not perform I/O.
type Transport interface {
	Name() string
	NewConnection(opts ConnectionOptions) (Connection, error)
}

// ConnectionManager owns the single process-wide broker connection.
type ConnectionManager interface {
	IsEnabled() bool
	Client(ctx context.Context) (Connection, error)
	Disconnect()
	Connected() bool
}

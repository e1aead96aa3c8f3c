package broadcast

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

const (
	// DefaultReconnectDelay is the wait between a lost connection and the
	// next connection attempt.
	DefaultReconnectDelay = 2 * time.Second

	// connectTimeout bounds every dial the manager starts. Dials are owned
	// by the manager, not by whichever caller happened to trigger them.
	connectTimeout = 30 * time.Second
	clientKey      = "client"
)

// Config holds the settings a Manager needs to build its connection.
type Config struct {
	Enabled        bool
	Options        ports.ConnectionOptions
	ReconnectDelay time.Duration
}

// Manager owns the process-wide broker connection. The connection is built
// lazily on the first Client call and kept alive by a single outstanding
// reconnect timer.
type Manager struct {
	cfg       Config
	transport ports.Transport
	clock     clock.WithDelayedExecution
	logger    *slog.Logger
	group     singleflight.Group

	mu         sync.Mutex
	conn       ports.Connection
	unbind     func()
	retry      clock.Timer
	generation uint64
	connected  bool
}

var _ ports.ConnectionManager = (*Manager)(nil)

// NewManager creates a connection manager. A nil clock means the wall clock.
func NewManager(cfg Config, transport ports.Transport, clk clock.WithDelayedExecution, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}

	return &Manager{
		cfg:       cfg,
		transport: transport,
		clock:     clk,
		logger:    logger.With("component", "broadcast_manager", "transport", transport.Name()),
	}
}

// IsEnabled reports whether realtime is switched on and a broker key is
// configured. It performs no I/O.
func (m *Manager) IsEnabled() bool {
	return m.cfg.Enabled && strings.TrimSpace(m.cfg.Options.AppKey) != ""
}

// Client returns the shared connection, building it on first use.
// Concurrent first callers share a single build, which keeps ctx values
// but not its cancellation. A failed initial connect still returns the
// connection; the retry timer takes it from there.
func (m *Manager) Client(ctx context.Context) (ports.Connection, error) {
	if !m.IsEnabled() {
		return nil, apperrors.ErrRealtimeDisabled
	}

	m.mu.Lock()
	if conn := m.conn; conn != nil {
		m.mu.Unlock()
		return conn, nil
	}
	m.mu.Unlock()

	v, err, _ := m.group.Do(clientKey, func() (any, error) {
		return m.build(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(ports.Connection), nil
}

func (m *Manager) build(ctx context.Context) (ports.Connection, error) {
	m.mu.Lock()
	if m.conn != nil {
		conn := m.conn
		m.mu.Unlock()
		return conn, nil
	}

	conn, err := m.transport.NewConnection(m.cfg.Options)
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("failed to build broker connection", "error", err)
		return nil, err
	}

	m.generation++
	gen := m.generation
	m.conn = conn
	m.unbind = conn.Bind(func(state ports.ConnectionState, err error) {
		m.handleState(gen, state, err)
	})
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
	defer cancel()

	if err := conn.Connect(dialCtx); err != nil {
		m.logger.Warn("initial broker connect failed", "error", err)
		m.mu.Lock()
		if gen == m.generation && !m.connected {
			m.scheduleLocked(gen)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return nil, apperrors.ErrConnectionClosed
	}
	return conn, nil
}

// Disconnect cancels any pending reconnect, unbinds the lifecycle handler and
// closes the connection. The next Client call builds a fresh one.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn, unbind := m.conn, m.unbind
	m.generation++
	m.cancelLocked()
	m.conn = nil
	m.unbind = nil
	m.connected = false
	m.mu.Unlock()

	m.group.Forget(clientKey)

	if unbind != nil {
		unbind()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("error closing broker connection", "error", err)
		}
		m.logger.Info("broker connection closed")
	}
}

// Connected reports the last observed lifecycle state.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Manager) handleState(gen uint64, state ports.ConnectionState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		return
	}

	switch state {
	case ports.StateConnected:
		m.connected = true
		m.cancelLocked()
		m.logger.Info("broker connected")
	case ports.StateDisconnected, ports.StateError:
		m.connected = false
		m.logger.Warn("broker connection lost",
			"state", state,
			"error", err,
			"retry_in", m.cfg.ReconnectDelay,
		)
		m.scheduleLocked(gen)
	}
}

// scheduleLocked arms the reconnect timer unless one is already pending.
// The timer callback must not touch the clock, so the attempt itself runs
// on its own goroutine.
func (m *Manager) scheduleLocked(gen uint64) {
	if m.retry != nil {
		return
	}
	m.retry = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		go m.reconnect(gen)
	})
}

func (m *Manager) cancelLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	conn := m.conn
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	m.logger.Info("reconnecting to broker")
	if err := conn.Connect(ctx); err != nil {
		m.logger.Warn("broker reconnect failed", "error", err)
		m.mu.Lock()
		if gen == m.generation && !m.connected {
			m.scheduleLocked(gen)
		}
		m.mu.Unlock()
	}
}

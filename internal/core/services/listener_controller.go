package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
)

// DefaultEventName is the broker event carrying backend activity.
const DefaultEventName = "activity.created"

// ListenerController owns the viewer's realtime session: it subscribes to
// the viewer's channels, feeds classified payloads to the event bus and
// tears everything down again. At most one session is active at a time.
type ListenerController struct {
	manager    ports.ConnectionManager
	classifier ports.Classifier
	bus        ports.EventPublisher
	eventName  string
	logger     *slog.Logger
	debug      *slog.Logger

	mu        sync.Mutex
	session   *session
	viewer    domain.Viewer
	hasViewer bool
}

// session is one Start..Stop span. Payload handlers hold mu for reading
// while they publish, so once Stop has taken the write lock no handler of
// this session can reach the bus again.
type session struct {
	id       string
	viewer   domain.Viewer
	channels []domain.Channel
	ctx      context.Context

	mu     sync.RWMutex
	active bool

	unsubscribes []func()
	unbind       func()
}

var _ ports.RealtimeSession = (*ListenerController)(nil)

// NewListenerController creates a stopped controller. debug receives
// connection state transitions and publish traces; a discarding logger
// silences them.
func NewListenerController(
	manager ports.ConnectionManager,
	classifier ports.Classifier,
	bus ports.EventPublisher,
	eventName string,
	logger *slog.Logger,
	debug *slog.Logger,
) *ListenerController {
	if eventName == "" {
		eventName = DefaultEventName
	}
	return &ListenerController{
		manager:    manager,
		classifier: classifier,
		bus:        bus,
		eventName:  eventName,
		logger:     logger.With("component", "listener_controller"),
		debug:      debug.With("component", "listener_controller"),
	}
}

// Start replaces any running session with one for viewer. A viewer whose
// role has no channels, or a disabled realtime layer, leaves the controller
// stopped without error.
func (c *ListenerController) Start(ctx context.Context, viewer domain.Viewer) error {
	c.Stop()

	c.mu.Lock()
	c.viewer, c.hasViewer = viewer, true
	c.mu.Unlock()

	channels := domain.ChannelsFor(viewer)
	if len(channels) == 0 {
		c.debug.Debug("no realtime channels for viewer", "role", viewer.Role)
		return nil
	}

	if !c.manager.IsEnabled() {
		c.debug.Debug("realtime disabled, skipping listener start")
		return nil
	}

	conn, err := c.manager.Client(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrRealtimeDisabled) {
			return nil
		}
		return fmt.Errorf("realtime client: %w", err)
	}

	s := &session{
		id:       uuid.NewString(),
		viewer:   viewer,
		channels: channels,
		active:   true,
	}
	s.ctx = logging.WithSessionID(context.WithoutCancel(ctx), s.id)
	if !viewer.UserID.IsZero() {
		s.ctx = logging.WithUserID(s.ctx, viewer.UserID.String())
	}

	s.unbind = conn.Bind(func(state ports.ConnectionState, err error) {
		c.debug.Debug("connection state changed",
			"session_id", s.id,
			"state", state,
			"error", err,
		)
	})

	for _, ch := range channels {
		unsubscribe, err := conn.Subscribe(ctx, ch, c.eventName, c.handlerFor(s, ch))
		if err != nil {
			c.teardown(s)
			return fmt.Errorf("subscribe %s: %w", ch.Name, err)
		}
		s.unsubscribes = append(s.unsubscribes, unsubscribe)
	}

	c.mu.Lock()
	prev := c.session
	c.session = s
	c.mu.Unlock()

	// A concurrent Start may have raced us; only one session survives.
	if prev != nil {
		c.teardown(prev)
	}

	c.logger.Info("realtime listener started",
		"session_id", s.id,
		"role", viewer.Role,
		"channels", domain.ChannelNames(channels),
	)
	return nil
}

func (c *ListenerController) handlerFor(s *session, ch domain.Channel) ports.PayloadHandler {
	return func(payload map[string]any) {
		s.mu.RLock()
		defer s.mu.RUnlock()

		if !s.active {
			return
		}

		event, ok := c.classifier.Classify(payload)
		if !ok {
			return
		}

		ctx := logging.WithChannel(s.ctx, ch.Name)
		c.debug.DebugContext(ctx, "publishing domain event",
			"kind", event.Kind,
			"shoot_id", event.ShootID,
		)
		c.bus.Publish(ctx, event)
	}
}

// Stop ends the current session. When Stop returns, no payload of the old
// session will be published. Stopping a stopped controller is a no-op.
// Bus listeners must not call Stop synchronously from Notify.
func (c *ListenerController) Stop() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return
	}

	c.teardown(s)
	c.logger.Info("realtime listener stopped", "session_id", s.id)
}

func (c *ListenerController) teardown(s *session) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	for _, unsubscribe := range s.unsubscribes {
		unsubscribe()
	}
	if s.unbind != nil {
		s.unbind()
	}
}

// Active reports whether a session is running.
func (c *ListenerController) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Viewer returns the viewer passed to the most recent Start. It is set
// before any channel is subscribed, so channel authorization made while
// starting already sees it. ok is false until Start is first called.
func (c *ListenerController) Viewer() (viewer domain.Viewer, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewer, c.hasViewer
}

// SessionID returns the running session's id, or "".
func (c *ListenerController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// Channels returns the channels of the running session.
func (c *ListenerController) Channels() []domain.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]domain.Channel(nil), c.session.channels...)
}

// Status returns a snapshot for diagnostics.
func (c *ListenerController) Status() ports.RealtimeStatus {
	status := ports.RealtimeStatus{
		Enabled:   c.manager.IsEnabled(),
		Connected: c.manager.Connected(),
		Channels:  []string{},
	}

	if counter, ok := c.bus.(interface{ Len() int }); ok {
		status.Listeners = counter.Len()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.session; s != nil {
		status.Active = true
		status.SessionID = s.id
		status.Role = string(s.viewer.Role)
		status.Channels = domain.ChannelNames(s.channels)
	}
	return status
}

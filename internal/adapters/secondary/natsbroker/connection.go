package natsbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

const (
	// TransportName selects this transport in configuration.
	TransportName = "nats"

	connectTimeout = 5 * time.Second
	clientName     = "studio-realtime"
)

// Transport builds NATS connections. Channels map to subjects under the app
// key, and every message carries an {event, data} envelope.
type Transport struct{}

var _ ports.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{}
}

func (t *Transport) Name() string { return TransportName }

// NewConnection validates opts and returns an unconnected Connection.
func (t *Transport) NewConnection(opts ports.ConnectionOptions) (ports.Connection, error) {
	if strings.TrimSpace(opts.AppKey) == "" {
		return nil, apperrors.ErrMissingAppKey
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: NATS url is required", apperrors.ErrInvalidEndpoint)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connection{
		url:      opts.URL,
		prefix:   opts.AppKey,
		headers:  opts.HeaderProvider,
		logger:   logger.With("component", "nats_connection"),
		subjects: make(map[string]*subject),
		handlers: make(map[int]ports.StateHandler),
	}, nil
}

// Subject returns the NATS subject a channel is published on.
func Subject(appKey string, ch domain.Channel) string {
	return appKey + "." + ch.Name
}

// envelope is the message body published on a channel subject.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Connection is a ports.Connection over a single NATS connection. The
// client library's own reconnect logic is disabled; the connection manager
// decides when to reconnect.
type Connection struct {
	url     string
	prefix  string
	headers ports.HeaderProvider
	logger  *slog.Logger

	mu       sync.Mutex
	nc       *nats.Conn
	closed   bool
	nextID   int
	subjects map[string]*subject
	handlers map[int]ports.StateHandler
}

type subject struct {
	sub       *nats.Subscription
	listeners map[int]listener
}

type listener struct {
	event   string
	handler ports.PayloadHandler
}

var _ ports.Connection = (*Connection)(nil)

// Connect dials the server and re-subscribes every remembered subject.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}
	if c.nc != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []nats.Option{
		nats.Name(clientName),
		nats.Timeout(connectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subj := ""
			if sub != nil {
				subj = sub.Subject
			}
			c.logger.Warn("nats async error", "subject", subj, "error", err)
		}),
	}

	token, err := c.token(ctx)
	if err != nil {
		c.emit(ports.StateError, err)
		return err
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(c.url, opts...)
	if err != nil {
		err = fmt.Errorf("connect to NATS: %w", err)
		c.emit(ports.StateError, err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		nc.Close()
		return apperrors.ErrConnectionClosed
	}
	c.nc = nc
	for name, s := range c.subjects {
		sub, err := nc.Subscribe(name, c.handlerFor(name))
		if err != nil {
			c.logger.Warn("resubscribe failed", "subject", name, "error", err)
			continue
		}
		s.sub = sub
	}
	c.mu.Unlock()

	c.logger.Debug("connected to NATS", "url", nc.ConnectedUrlRedacted())
	c.emit(ports.StateConnected, nil)
	return nil
}

// token extracts a bearer token from the header provider, if any.
func (c *Connection) token(ctx context.Context) (string, error) {
	if c.headers == nil {
		return "", nil
	}
	headers, err := c.headers(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: headers: %v", apperrors.ErrChannelAuth, err)
	}
	return strings.TrimPrefix(headers.Get("Authorization"), "Bearer "), nil
}

func (c *Connection) onDisconnect(nc *nats.Conn, err error) {
	c.mu.Lock()
	current := c.nc == nc
	if current {
		c.nc = nil
		for _, s := range c.subjects {
			s.sub = nil
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if current && !closed {
		c.emit(ports.StateDisconnected, err)
	}
}

// Subscribe attaches handler to event on the channel's subject.
func (c *Connection) Subscribe(ctx context.Context, channel domain.Channel, event string, handler ports.PayloadHandler) (func(), error) {
	name := Subject(c.prefix, channel)
	event = strings.TrimPrefix(event, ".")

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, apperrors.ErrConnectionClosed
	}

	s, exists := c.subjects[name]
	if !exists {
		s = &subject{listeners: make(map[int]listener)}
		if c.nc != nil {
			sub, err := c.nc.Subscribe(name, c.handlerFor(name))
			if err != nil {
				return nil, fmt.Errorf("subscribe %s: %w", name, err)
			}
			s.sub = sub
		}
		c.subjects[name] = s
	}

	c.nextID++
	id := c.nextID
	s.listeners[id] = listener{event: event, handler: handler}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(name, id) })
	}, nil
}

func (c *Connection) removeListener(name string, id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.subjects[name]
	if !ok {
		return
	}
	delete(s.listeners, id)
	if len(s.listeners) > 0 {
		return
	}
	delete(c.subjects, name)
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			c.logger.Debug("unsubscribe failed", "subject", name, "error", err)
		}
	}
}

func (c *Connection) handlerFor(name string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			c.logger.Debug("ignoring malformed envelope", "subject", name, "error", err)
			return
		}

		payload, ok := DecodeData(env.Data)
		if !ok {
			c.logger.Debug("dropping event with non-object data", "subject", name, "event", env.Event)
			return
		}

		c.mu.Lock()
		var handlers []ports.PayloadHandler
		if s, ok := c.subjects[name]; ok {
			for _, l := range s.listeners {
				if l.event == env.Event {
					handlers = append(handlers, l.handler)
				}
			}
		}
		c.mu.Unlock()

		for _, h := range handlers {
			c.deliver(h, name, payload)
		}
	}
}

func (c *Connection) deliver(h ports.PayloadHandler, name string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("payload handler panicked", "subject", name, "panic", r)
		}
	}()
	h(payload)
}

// DecodeData unwraps envelope data into an object. String-encoded JSON is
// accepted as well as a bare object.
func DecodeData(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, false
		}
		raw = json.RawMessage(inner)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	return payload, payload != nil
}

// Bind registers a lifecycle handler.
func (c *Connection) Bind(handler ports.StateHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.handlers[id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Close shuts the NATS connection and refuses further use.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	nc := c.nc
	c.nc = nil
	c.subjects = make(map[string]*subject)
	c.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	return nil
}

func (c *Connection) emit(state ports.ConnectionState, err error) {
	c.mu.Lock()
	handlers := make([]ports.StateHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(state, err)
	}
}

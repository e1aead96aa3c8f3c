package pusher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	apperrors "github.com/lorrc/studio-realtime/internal/core/errors"
	"github.com/lorrc/studio-realtime/internal/core/ports"
)

const (
	// TransportName selects this transport in configuration.
	TransportName = "pusher"

	handshakeTimeout       = 10 * time.Second
	writeWait              = 10 * time.Second
	pongWait               = 30 * time.Second
	defaultActivityTimeout = 120 * time.Second
	authTimeout            = 10 * time.Second
)

// Transport builds Pusher protocol connections over gorilla/websocket.
type Transport struct {
	dialer *websocket.Dialer
	client *http.Client
}

var _ ports.Transport = (*Transport)(nil)

// NewTransport creates a Pusher transport with default dialer settings.
func NewTransport() *Transport {
	return &Transport{
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		client: &http.Client{Timeout: authTimeout},
	}
}

func (t *Transport) Name() string { return TransportName }

// NewConnection validates opts and returns an unconnected Connection.
func (t *Transport) NewConnection(opts ports.ConnectionOptions) (ports.Connection, error) {
	endpoint, err := EndpointURL(opts)
	if err != nil {
		return nil, err
	}

	var authURL string
	if opts.AuthEndpoint != "" {
		u, err := url.Parse(opts.AuthEndpoint)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("%w: auth endpoint %q", apperrors.ErrInvalidEndpoint, opts.AuthEndpoint)
		}
		authURL = u.String()
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Connection{
		url:      endpoint,
		authURL:  authURL,
		headers:  opts.HeaderProvider,
		dialer:   t.dialer,
		client:   t.client,
		logger:   logger.With("component", "pusher_connection"),
		channels: make(map[string]*subscription),
		handlers: make(map[int]ports.StateHandler),
	}, nil
}

// Connection is a Pusher protocol v7 client connection.
type Connection struct {
	url     string
	authURL string
	headers ports.HeaderProvider
	dialer  *websocket.Dialer
	client  *http.Client
	logger  *slog.Logger

	mu       sync.Mutex
	ws       *websocket.Conn
	socketID string
	stop     chan struct{}
	closed   bool
	nextID   int
	channels map[string]*subscription // keyed by wire name
	handlers map[int]ports.StateHandler

	writeMu sync.Mutex
}

type subscription struct {
	channel   domain.Channel
	listeners map[int]listener
}

type listener struct {
	event   string
	handler ports.PayloadHandler
}

var _ ports.Connection = (*Connection)(nil)

// Connect dials the broker, waits for the connection_established
// handshake and re-subscribes every remembered channel. Connecting an
// already connected Connection is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrConnectionClosed
	}
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		err = fmt.Errorf("dial broker: %w", err)
		c.emit(ports.StateError, err)
		return err
	}

	established, err := c.handshake(ws)
	if err != nil {
		ws.Close()
		c.emit(ports.StateError, err)
		return err
	}

	activity := time.Duration(established.ActivityTimeout) * time.Second
	if activity <= 0 {
		activity = defaultActivityTimeout
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return apperrors.ErrConnectionClosed
	}
	c.ws = ws
	c.socketID = established.SocketID
	c.stop = make(chan struct{})
	stop := c.stop
	pending := make([]*subscription, 0, len(c.channels))
	for _, sub := range c.channels {
		pending = append(pending, sub)
	}
	c.mu.Unlock()

	c.logger.Debug("broker handshake complete", "socket_id", established.SocketID)

	go c.readLoop(ws, activity)
	go c.pingLoop(ws, activity, stop)

	for _, sub := range pending {
		if err := c.subscribe(ctx, ws, established.SocketID, sub.channel); err != nil {
			c.logger.Warn("resubscribe failed", "channel", sub.channel.Name, "error", err)
		}
	}

	c.emit(ports.StateConnected, nil)
	return nil
}

func (c *Connection) handshake(ws *websocket.Conn) (connectionEstablished, error) {
	var established connectionEstablished

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer ws.SetReadDeadline(time.Time{})

	var f frame
	if err := ws.ReadJSON(&f); err != nil {
		return established, fmt.Errorf("%w: %v", apperrors.ErrHandshakeFailed, err)
	}

	switch f.Event {
	case eventConnectionEstablished:
		if err := decodeInto(f.Data, &established); err != nil || established.SocketID == "" {
			return established, fmt.Errorf("%w: malformed connection_established", apperrors.ErrHandshakeFailed)
		}
		return established, nil
	case eventError:
		return established, fmt.Errorf("%w: %w", apperrors.ErrHandshakeFailed, brokerError(f.Data))
	default:
		return established, fmt.Errorf("%w: unexpected %q", apperrors.ErrHandshakeFailed, f.Event)
	}
}

// Subscribe attaches handler to event on channel. The channel is joined on
// first use and remembered across reconnects.
func (c *Connection) Subscribe(ctx context.Context, channel domain.Channel, event string, handler ports.PayloadHandler) (func(), error) {
	wire := WireName(channel)
	event = strings.TrimPrefix(event, ".")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.ErrConnectionClosed
	}
	sub, exists := c.channels[wire]
	if !exists {
		sub = &subscription{channel: channel, listeners: make(map[int]listener)}
		c.channels[wire] = sub
	}
	c.nextID++
	id := c.nextID
	sub.listeners[id] = listener{event: event, handler: handler}
	ws, socketID := c.ws, c.socketID
	c.mu.Unlock()

	if !exists && ws != nil {
		if err := c.subscribe(ctx, ws, socketID, channel); err != nil {
			c.removeListener(wire, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { c.removeListener(wire, id) })
	}, nil
}

func (c *Connection) removeListener(wire string, id int) {
	c.mu.Lock()
	sub, ok := c.channels[wire]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(sub.listeners, id)
	if len(sub.listeners) > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.channels, wire)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		if err := c.write(ws, outFrame{Event: eventUnsubscribe, Data: map[string]string{"channel": wire}}); err != nil {
			c.logger.Debug("unsubscribe write failed", "channel", wire, "error", err)
		}
	}
}

func (c *Connection) subscribe(ctx context.Context, ws *websocket.Conn, socketID string, channel domain.Channel) error {
	wire := WireName(channel)
	data := map[string]string{"channel": wire}

	if channel.Private {
		auth, err := c.authorize(ctx, socketID, wire)
		if err != nil {
			return err
		}
		data["auth"] = auth.Auth
		if auth.ChannelData != "" {
			data["channel_data"] = auth.ChannelData
		}
	}

	return c.write(ws, outFrame{Event: eventSubscribe, Data: data})
}

// authorize obtains a channel signature from the backend auth endpoint.
func (c *Connection) authorize(ctx context.Context, socketID, wire string) (authResponse, error) {
	var auth authResponse
	if c.authURL == "" {
		return auth, fmt.Errorf("%w: no auth endpoint configured", apperrors.ErrChannelAuth)
	}

	form := url.Values{}
	form.Set("socket_id", socketID)
	form.Set("channel_name", wire)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return auth, fmt.Errorf("%w: %v", apperrors.ErrChannelAuth, err)
	}
	if c.headers != nil {
		headers, err := c.headers(ctx)
		if err != nil {
			return auth, fmt.Errorf("%w: headers: %v", apperrors.ErrChannelAuth, err)
		}
		for key, values := range headers {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return auth, fmt.Errorf("%w: %v", apperrors.ErrChannelAuth, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return auth, fmt.Errorf("%w: %s returned %d", apperrors.ErrChannelAuth, wire, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return auth, fmt.Errorf("%w: decode: %v", apperrors.ErrChannelAuth, err)
	}
	if auth.Auth == "" {
		return auth, fmt.Errorf("%w: empty signature for %s", apperrors.ErrChannelAuth, wire)
	}
	return auth, nil
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

// Close shuts the socket and refuses further use. No lifecycle signal is
// emitted for a deliberate close.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.ws = nil
	c.socketID = ""
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.channels = make(map[string]*subscription)
	c.mu.Unlock()

	if ws == nil {
		return nil
	}

	c.writeMu.Lock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Connection) readLoop(ws *websocket.Conn, activity time.Duration) {
	var err error
	defer func() {
		c.drop(ws, err)
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(activity + pongWait))

		var data []byte
		_, data, err = ws.ReadMessage()
		if err != nil {
			return
		}

		var f frame
		if jsonErr := json.Unmarshal(data, &f); jsonErr != nil {
			c.logger.Debug("ignoring malformed frame", "error", jsonErr)
			continue
		}
		c.handleFrame(ws, f)
	}
}

func (c *Connection) handleFrame(ws *websocket.Conn, f frame) {
	switch f.Event {
	case eventPing:
		if err := c.write(ws, outFrame{Event: eventPong, Data: struct{}{}}); err != nil {
			c.logger.Debug("pong write failed", "error", err)
		}
	case eventPong:
	case eventError:
		berr := brokerError(f.Data)
		c.logger.Warn("broker reported an error",
			"code", berr.Code,
			"message", berr.Message,
			"reconnectable", berr.Reconnectable(),
		)
	case eventSubscriptionSucceeded:
		c.logger.Debug("subscribed", "channel", f.Channel)
	case eventSubscriptionError:
		c.logger.Warn("subscription rejected", "channel", f.Channel, "data", string(f.Data))
	default:
		if f.Channel == "" || strings.HasPrefix(f.Event, "pusher") {
			return
		}
		c.dispatch(f)
	}
}

func (c *Connection) dispatch(f frame) {
	payload, ok := decodeData(f.Data)
	if !ok {
		c.logger.Debug("dropping event with non-object data", "channel", f.Channel, "event", f.Event)
		return
	}

	c.mu.Lock()
	var handlers []ports.PayloadHandler
	if sub, ok := c.channels[f.Channel]; ok {
		for _, l := range sub.listeners {
			if l.event == f.Event {
				handlers = append(handlers, l.handler)
			}
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.deliver(h, f, payload)
	}
}

func (c *Connection) deliver(h ports.PayloadHandler, f frame, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("payload handler panicked", "channel", f.Channel, "event", f.Event, "panic", r)
		}
	}()
	h(payload)
}

// pingLoop keeps an idle socket alive as the protocol asks clients to.
func (c *Connection) pingLoop(ws *websocket.Conn, activity time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(activity)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write(ws, outFrame{Event: eventPing, Data: struct{}{}}); err != nil {
				return
			}
		}
	}
}

// drop forgets a dead socket and reports the disconnect, unless the socket
// was closed on purpose.
func (c *Connection) drop(ws *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.ws == ws
	if current {
		c.ws = nil
		c.socketID = ""
		if c.stop != nil {
			close(c.stop)
			c.stop = nil
		}
	}
	closed := c.closed
	c.mu.Unlock()

	ws.Close()

	if current && !closed {
		c.logger.Debug("broker socket dropped", "error", err)
		c.emit(ports.StateDisconnected, err)
	}
}

func (c *Connection) write(ws *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteJSON(v)
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

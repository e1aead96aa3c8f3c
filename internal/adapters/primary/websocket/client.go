package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/lorrc/studio-realtime/internal/core/domain"
)

// ClientOptions tunes one relay socket. Zero fields take the defaults.
type ClientOptions struct {
	// WriteWait bounds a single frame write.
	WriteWait time.Duration
	// PongWait is how long the relay waits for any frame from the peer.
	// Pings go out at nine tenths of it.
	PongWait time.Duration
	// MaxCommandSize caps an inbound frame.
	MaxCommandSize int64
	// SendBuffer is how many messages may queue before the client is
	// dropped as too slow.
	SendBuffer int
}

// DefaultClientOptions returns the relay's socket settings.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxCommandSize: 1024,
		SendBuffer:     256,
	}
}

func (o ClientOptions) withDefaults() ClientOptions {
	d := DefaultClientOptions()
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.MaxCommandSize <= 0 {
		o.MaxCommandSize = d.MaxCommandSize
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	return o
}

func (o ClientOptions) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Client is one relay socket: a dashboard tab or kiosk following the
// viewer's events and the shoots it has asked about.
type Client struct {
	ID     string
	Viewer domain.Viewer

	hub    *Hub
	conn   *websocket.Conn
	opts   ClientOptions
	send   chan Message
	logger *slog.Logger

	// mu guards shoots and closed. enqueue holds it for reading so send is
	// never written after close.
	mu     sync.RWMutex
	shoots map[domain.ID]struct{}
	closed bool
}

// NewClient creates a client for conn. It is inert until the hub accepts
// it and Serve runs.
func NewClient(hub *Hub, conn *websocket.Conn, viewer domain.Viewer, opts ClientOptions, logger *slog.Logger) *Client {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Client{
		ID:     id,
		Viewer: viewer,
		hub:    hub,
		conn:   conn,
		opts:   opts,
		send:   make(chan Message, opts.SendBuffer),
		shoots: make(map[domain.ID]struct{}),
		logger: logger.With("client_id", id, "role", viewer.Role, "user_id", viewer.UserID.String()),
	}
}

// enqueue queues msg. It reports false when the client is closed or its
// buffer is full.
func (c *Client) enqueue(msg Message) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close ends the outbound stream; the write loop then says goodbye to the
// peer. Safe to call more than once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) watch(shootID domain.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shoots[shootID] = struct{}{}
}

func (c *Client) unwatch(shootID domain.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.shoots, shootID)
}

// Watching reports whether the client follows shootID.
func (c *Client) Watching(shootID domain.ID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.shoots[shootID]
	return ok
}

// Shoots returns the shoots the client follows.
func (c *Client) Shoots() []domain.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Keys(c.shoots)
}

// Serve runs the socket until the peer leaves or the hub drops the client.
// It blocks; the write side runs on its own goroutine.
func (c *Client) Serve() {
	go c.writeLoop()
	c.readLoop()
}

// Refuse closes a socket the hub would not take.
func (c *Client) Refuse(reason string) {
	deadline := time.Now().Add(c.opts.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("close frame not sent", "error", err)
	}
	_ = c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.hub.Detach(c)
		_ = c.conn.Close()
	}()

	extend := func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	}

	c.conn.SetReadLimit(c.opts.MaxCommandSize)
	c.conn.SetPongHandler(extend)
	if err := extend(""); err != nil {
		c.logger.Error("relay socket unusable", "error", err)
		return
	}

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				c.logger.Warn("relay socket read failed", "error", err)
			}
			return
		}
		_ = extend("")
		c.handle(frame)
	}
}

func (c *Client) writeLoop() {
	ping := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			if !open {
				_ = c.write(func() error {
					return c.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				})
				return
			}
			if err := c.write(func() error { return c.conn.WriteJSON(msg) }); err != nil {
				c.logger.Warn("relay message not delivered", "type", msg.Type, "error", err)
				return
			}

		case <-ping.C:
			if err := c.write(func() error { return c.conn.WriteMessage(websocket.PingMessage, nil) }); err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) write(frame func() error) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return frame()
}

// handle applies one inbound frame and acknowledges it.
func (c *Client) handle(frame []byte) {
	cmd, err := DecodeCommand(frame)
	if err != nil {
		level := slog.LevelDebug
		if errors.Is(err, ErrMalformedCommand) {
			level = slog.LevelWarn
		}
		c.logger.Log(context.Background(), level, "relay command rejected", "error", err)
		c.enqueue(newErrorMessage(err))
		return
	}

	switch cmd.Type {
	case MessageSubscribeToShoot:
		c.hub.subscribeClientToShoot(c, cmd.ShootID)
		c.enqueue(newReply(MessageSubscribed, cmd.ShootID))
	case MessageUnsubscribeFromShoot:
		c.hub.unsubscribeClientFromShoot(c, cmd.ShootID)
		c.enqueue(newReply(MessageUnsubscribed, cmd.ShootID))
	case MessagePing:
		c.enqueue(newReply(MessagePong, ""))
	}
}

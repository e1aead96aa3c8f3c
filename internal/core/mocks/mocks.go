package mocks

import (
	"context"
	"sync"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockConnectionManager is a mock implementation of ports.ConnectionManager
type MockConnectionManager struct {
	mock.Mock
}

func NewMockConnectionManager() *MockConnectionManager {
	return &MockConnectionManager{}
}

func (m *MockConnectionManager) IsEnabled() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockConnectionManager) Client(ctx context.Context) (ports.Connection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Connection), args.Error(1)
}

func (m *MockConnectionManager) Disconnect() {
	m.Called()
}

func (m *MockConnectionManager) Connected() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockRealtimeSession is a mock implementation of ports.RealtimeSession
type MockRealtimeSession struct {
	mock.Mock
}

func NewMockRealtimeSession() *MockRealtimeSession {
	return &MockRealtimeSession{}
}

func (m *MockRealtimeSession) Start(ctx context.Context, viewer domain.Viewer) error {
	args := m.Called(ctx, viewer)
	return args.Error(0)
}

func (m *MockRealtimeSession) Stop() {
	m.Called()
}

func (m *MockRealtimeSession) Active() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockRealtimeSession) Status() ports.RealtimeStatus {
	args := m.Called()
	return args.Get(0).(ports.RealtimeStatus)
}

// MockTransport is a mock implementation of ports.Transport
type MockTransport struct {
	mock.Mock
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) Name() string {
	args := m.Called()
	return args.String(0)
}

func (m *MockTransport) NewConnection(opts ports.ConnectionOptions) (ports.Connection, error) {
	args := m.Called(opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.Connection), args.Error(1)
}

// FakeConnection is an in-memory ports.Connection. Connect reports
// StateConnected to bound handlers, or StateError when a connect error is
// set or the dial context is already done.
// Tests push broker traffic with Deliver and lifecycle signals with Emit.
type FakeConnection struct {
	mu         sync.Mutex
	connectErr   error
	connects     int
	dialDeadline bool
	onSubscribe  func(domain.Channel)
	closed     bool
	nextID     int
	handlers   map[int]ports.StateHandler
	subs       map[int]fakeSubscription
}

type fakeSubscription struct {
	channel domain.Channel
	event   string
	handler ports.PayloadHandler
}

func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		handlers: make(map[int]ports.StateHandler),
		subs:     make(map[int]fakeSubscription),
	}
}

// SetConnectErr makes subsequent Connect calls fail with err.
func (c *FakeConnection) SetConnectErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

func (c *FakeConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.connects++
	err := c.connectErr
	if err == nil {
		err = ctx.Err()
	}
	_, c.dialDeadline = ctx.Deadline()
	c.mu.Unlock()

	if err != nil {
		c.Emit(ports.StateError, err)
		return err
	}
	c.Emit(ports.StateConnected, nil)
	return nil
}

// OnSubscribe registers fn to run before each subscription is recorded,
// where a real transport would authorize the channel.
func (c *FakeConnection) OnSubscribe(fn func(domain.Channel)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubscribe = fn
}

func (c *FakeConnection) Subscribe(ctx context.Context, channel domain.Channel, event string, handler ports.PayloadHandler) (func(), error) {
	c.mu.Lock()
	hook := c.onSubscribe
	c.mu.Unlock()
	if hook != nil {
		hook(channel)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs[id] = fakeSubscription{channel: channel, event: event, handler: handler}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}, nil
}

func (c *FakeConnection) Bind(handler ports.StateHandler) func() {
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

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Emit sends a lifecycle signal to every bound handler.
func (c *FakeConnection) Emit(state ports.ConnectionState, err error) {
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

// Deliver hands payload to every handler subscribed to event on the named
// channel. It returns the number of handlers reached.
func (c *FakeConnection) Deliver(channel, event string, payload map[string]any) int {
	c.mu.Lock()
	var handlers []ports.PayloadHandler
	for _, s := range c.subs {
		if s.channel.Name == channel && s.event == event {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return len(handlers)
}

// Connects returns how many times Connect was called.
func (c *FakeConnection) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// DialDeadline reports whether the last Connect ran under a deadline.
func (c *FakeConnection) DialDeadline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialDeadline
}

// Closed reports whether Close was called.
func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Channels returns the names of currently subscribed channels.
func (c *FakeConnection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	var names []string
	for _, s := range c.subs {
		if _, ok := seen[s.channel.Name]; ok {
			continue
		}
		seen[s.channel.Name] = struct{}{}
		names = append(names, s.channel.Name)
	}
	return names
}

// BoundHandlers returns the number of bound lifecycle handlers.
func (c *FakeConnection) BoundHandlers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// FakeTransport hands out Conn, counting builds.
type FakeTransport struct {
	mu     sync.Mutex
	Conn   *FakeConnection
	builds int
	opts   ports.ConnectionOptions
}

func NewFakeTransport(conn *FakeConnection) *FakeTransport {
	return &FakeTransport{Conn: conn}
}

func (t *FakeTransport) Name() string { return "fake" }

func (t *FakeTransport) NewConnection(opts ports.ConnectionOptions) (ports.Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.builds++
	t.opts = opts
	return t.Conn, nil
}

// Builds returns how many connections were built.
func (t *FakeTransport) Builds() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.builds
}

// Options returns the options of the last build.
func (t *FakeTransport) Options() ports.ConnectionOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opts
}

package srl

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autonlab/srl/srlproto"
)

var errFakeIO = errors.New("fake i/o failure")

// fakeConn is a Connection that records what is sent through it
type fakeConn struct {
	mu         sync.Mutex
	connected  bool
	inbox      []*srlproto.Message
	receiveErr error
	sendErr    error
	sent       []*srlproto.Message
	closed     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true}
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) Send(msg *srlproto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return f.sendErr
}

func (f *fakeConn) Readable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inbox) > 0 || f.receiveErr != nil
}

func (f *fakeConn) Receive(ctx context.Context) (*srlproto.Message, error) {
	f.mu.Lock()
	if len(f.inbox) > 0 {
		msg := f.inbox[0]
		f.inbox = f.inbox[1:]
		f.mu.Unlock()
		return msg, nil
	}
	err := f.receiveErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.connected = false
	return nil
}

func (f *fakeConn) deliver(msg *srlproto.Message) {
	f.mu.Lock()
	f.inbox = append(f.inbox, msg)
	f.mu.Unlock()
}

func (f *fakeConn) disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeConn) failReceive(err error) {
	f.mu.Lock()
	f.receiveErr = err
	f.mu.Unlock()
}

func (f *fakeConn) sentMessages() []*srlproto.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*srlproto.Message(nil), f.sent...)
}

func (f *fakeConn) sentOfType(t srlproto.MessageType) []*srlproto.Message {
	var out []*srlproto.Message
	for _, m := range f.sentMessages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeCommIF hands out queued connections on Accept
type fakeCommIF struct {
	mu      sync.Mutex
	pending []Connection
	err     error
	closed  bool
	polls   int
}

func (f *fakeCommIF) offer(c Connection) {
	f.mu.Lock()
	f.pending = append(f.pending, c)
	f.mu.Unlock()
}

func (f *fakeCommIF) Accept() ([]Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	out := f.pending
	f.pending = nil
	return out, f.err
}

func (f *fakeCommIF) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCommIF) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeCommIF) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeProvider records the messages handed to it
type fakeProvider struct {
	name     string
	conn     Connection
	mu       sync.Mutex
	handled  []*srlproto.Message
	released int
}

func (p *fakeProvider) Name() string           { return p.name }
func (p *fakeProvider) Connection() Connection { return p.conn }

func (p *fakeProvider) Handle(_ context.Context, msg *srlproto.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handled = append(p.handled, msg)
	return nil
}

func (p *fakeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
	return nil
}

func (p *fakeProvider) releaseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

type directoryEvent struct {
	registered bool
	name       string
	connID     int
	reason     string
}

type recordingObserver struct {
	mu     sync.Mutex
	events []directoryEvent
}

func (o *recordingObserver) ProviderRegistered(_ context.Context, name string, connID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, directoryEvent{registered: true, name: name, connID: connID})
}

func (o *recordingObserver) ProviderUnregistered(_ context.Context, name string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, directoryEvent{name: name, reason: reason})
}

func (o *recordingObserver) recorded() []directoryEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]directoryEvent(nil), o.events...)
}

// testClock is a manually advanced time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testConfig() Config {
	return Config{
		IdleTimeout:  time.Minute,
		Routers:      2,
		PollInterval: 5 * time.Millisecond,
		ReapInterval: 5 * time.Millisecond,
		RouteTimeout: 100 * time.Millisecond,
	}
}

// newTestController builds a controller on a manual clock
func newTestController(t *testing.T, opts ...Option) (*Controller, *testClock) {
	t.Helper()
	clock := newTestClock()
	c, err := NewController(testConfig(), append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)
	return c, clock
}

// addConn registers a fresh fake connection and returns it with its descriptor
func addConn(t *testing.T, c *Controller, expiration int64) (*fakeConn, *ConnectionDescriptor) {
	t.Helper()
	conn := newFakeConn()
	id, err := c.AddConnection(conn, expiration)
	require.NoError(t, err)
	d, ok := c.GetConnection(id)
	require.True(t, ok)
	return conn, d
}

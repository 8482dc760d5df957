package srl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autonlab/srl/srlproto"
)

func TestRegisterAndGetProvider(t *testing.T) {
	c, _ := newTestController(t)
	conn, _ := addConn(t, c, 0)
	p := &fakeProvider{name: "echo", conn: conn}

	require.NoError(t, c.RegisterProvider(p))

	got, ok := c.GetProvider("echo")
	require.True(t, ok)
	assert.Same(t, p, got)
	name, ok := c.ProviderFor(conn)
	assert.True(t, ok)
	assert.Equal(t, "echo", name)
	assert.Equal(t, []string{"echo"}, c.ProviderNames())
}

func TestRegisterProviderRejections(t *testing.T) {
	c, _ := newTestController(t)
	conn, _ := addConn(t, c, 0)
	other, _ := addConn(t, c, 0)

	assert.ErrorIs(t, c.RegisterProvider(nil), ErrNilProvider)
	assert.ErrorIs(t, c.RegisterProvider(&fakeProvider{name: "", conn: conn}), ErrEmptyProviderName)
	assert.ErrorIs(t, c.RegisterProvider(&fakeProvider{name: "x", conn: newFakeConn()}), ErrUnknownConnection)
	assert.ErrorIs(t, c.RegisterProvider(&fakeProvider{name: "x", conn: nil}), ErrUnknownConnection)

	first := &fakeProvider{name: "echo", conn: conn}
	require.NoError(t, c.RegisterProvider(first))

	// Duplicate names are rejected and the first binding survives
	assert.ErrorIs(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: other}), ErrProviderExists)
	got, _ := c.GetProvider("echo")
	assert.Same(t, first, got)
	_, ok := c.ProviderFor(other)
	assert.False(t, ok)

	// One provider per connection
	assert.ErrorIs(t, c.RegisterProvider(&fakeProvider{name: "second", conn: conn}), ErrConnectionBound)
	_, ok = c.GetProvider("second")
	assert.False(t, ok)
}

func TestUnregisterProvider(t *testing.T) {
	c, _ := newTestController(t)
	conn, d := addConn(t, c, 0)
	p := &fakeProvider{name: "echo", conn: conn}
	require.NoError(t, c.RegisterProvider(p))

	assert.True(t, c.UnregisterProvider("echo", "maintenance"))

	_, ok := c.GetProvider("echo")
	assert.False(t, ok)
	_, ok = c.ProviderFor(conn)
	assert.False(t, ok)
	notices := conn.sentOfType(srlproto.TypeDisconnect)
	require.Len(t, notices, 1)
	assert.Equal(t, "maintenance", notices[0].Reason)
	assert.Equal(t, 1, p.releaseCount())

	// The connection itself stays in the pool
	_, ok = c.GetConnection(d.ID())
	assert.True(t, ok)
	assert.Equal(t, 0, conn.closeCount())

	assert.False(t, c.UnregisterProvider("echo", "again"))
	assert.Len(t, conn.sentOfType(srlproto.TypeDisconnect), 1)

	// The connection can host a provider again
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo2", conn: conn}))
}

func TestUnregisterProviderOnClosedConnectionSendsNothing(t *testing.T) {
	c, _ := newTestController(t)
	conn, _ := addConn(t, c, 0)
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: conn}))
	conn.disconnect()

	assert.True(t, c.UnregisterProvider("echo", "gone"))
	assert.Empty(t, conn.sentMessages())
}

func TestUnregisterOneOfTwoProviders(t *testing.T) {
	c, _ := newTestController(t)
	a, _ := addConn(t, c, 0)
	b, _ := addConn(t, c, 0)
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "alpha", conn: a}))
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "beta", conn: b}))

	require.True(t, c.UnregisterProvider("alpha", ""))

	p, ok := c.GetProvider("beta")
	require.True(t, ok)
	assert.Same(t, b, p.Connection())
	name, ok := c.ProviderFor(b)
	assert.True(t, ok)
	assert.Equal(t, "beta", name)
	assert.Equal(t, []string{"beta"}, c.ProviderNames())
	assert.Empty(t, b.sentMessages())
}

func TestDestroyBoundConnectionSendsOneDisconnect(t *testing.T) {
	c, _ := newTestController(t)
	conn, d := addConn(t, c, 0)
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: conn}))
	require.True(t, c.active.claim(d))

	require.True(t, c.destroyConnection(d, "bye"))
	assert.False(t, c.destroyConnection(d, "bye"))

	notices := conn.sentOfType(srlproto.TypeDisconnect)
	require.Len(t, notices, 1)
	assert.Equal(t, "bye", notices[0].Reason)
	assert.Equal(t, 1, conn.closeCount())
}

func TestDirectoryObserver(t *testing.T) {
	obs := &recordingObserver{}
	c, clock := newTestController(t, WithObserver(obs))
	conn, d := addConn(t, c, clock.Now().Unix()-1)
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: conn}))
	c.reapIdle()

	assert.Equal(t, []directoryEvent{
		{registered: true, name: "echo", connID: d.ID()},
		{name: "echo", reason: ReasonIdleTimeout},
	}, obs.recorded())
}

// Registration, unregistration and connection teardown racing each other
// must leave the forward and inverse maps consistent.
func TestDirectoryConsistencyUnderConcurrency(t *testing.T) {
	c, _ := newTestController(t)
	const n = 32
	conns := make([]*fakeConn, n)
	descs := make([]*ConnectionDescriptor, n)
	for i := range conns {
		conns[i], descs[i] = addConn(t, c, 0)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(3)
		name := string(rune('a' + i%26))
		if i >= 26 {
			name += "x"
		}
		go func(i int) {
			defer wg.Done()
			_ = c.RegisterProvider(&fakeProvider{name: name, conn: conns[i]})
		}(i)
		go func() {
			defer wg.Done()
			c.UnregisterProvider(name, "race")
		}()
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 && c.active.claim(descs[i]) {
				c.destroyConnection(descs[i], "race")
			}
		}(i)
	}
	wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, len(c.providers), len(c.providerConnections))
	for name, p := range c.providers {
		assert.Equal(t, name, c.providerConnections[p.Connection()])
		_, live := c.connectionIDs[p.Connection()]
		assert.True(t, live, "provider %s bound to a destroyed connection", name)
	}
	for conn, name := range c.providerConnections {
		p, ok := c.providers[name]
		require.True(t, ok)
		assert.Same(t, conn, p.Connection())
	}
}

// gatedObserver blocks in ProviderRegistered until release is closed and
// tracks which providers it believes exist.
type gatedObserver struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	known   map[string]bool
}

func (o *gatedObserver) ProviderRegistered(_ context.Context, name string, _ int) {
	close(o.entered)
	<-o.release
	o.mu.Lock()
	o.known[name] = true
	o.mu.Unlock()
}

func (o *gatedObserver) ProviderUnregistered(_ context.Context, name string, _ string) {
	o.mu.Lock()
	delete(o.known, name)
	o.mu.Unlock()
}

func (o *gatedObserver) has(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.known[name]
}

// A removal racing a slow registration callback must reach the observer
// after it, leaving the observer in agreement with the directory.
func TestObserverSeesChangesInDirectoryOrder(t *testing.T) {
	obs := &gatedObserver{entered: make(chan struct{}), release: make(chan struct{}), known: map[string]bool{}}
	c, _ := newTestController(t, WithObserver(obs))
	conn, _ := addConn(t, c, 0)

	registered := make(chan error, 1)
	go func() { registered <- c.RegisterProvider(&fakeProvider{name: "echo", conn: conn}) }()
	<-obs.entered

	unregistered := make(chan bool, 1)
	go func() { unregistered <- c.UnregisterProvider("echo", ReasonAdministrative) }()
	assert.Eventually(t, func() bool {
		_, ok := c.GetProvider("echo")
		return !ok
	}, time.Second, time.Millisecond)

	close(obs.release)
	require.NoError(t, <-registered)
	assert.True(t, <-unregistered)

	_, inDirectory := c.GetProvider("echo")
	assert.False(t, inDirectory)
	assert.False(t, obs.has("echo"))
}

func TestUnregisterProviderIfOwner(t *testing.T) {
	obs := &recordingObserver{}
	c, _ := newTestController(t, WithObserver(obs))
	owner, _ := addConn(t, c, 0)
	other, otherDesc := addConn(t, c, 0)
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: owner}))

	assert.ErrorIs(t, c.unregisterProviderIfOwner("echo", other, "steal"), ErrNotProviderOwner)
	assert.ErrorIs(t, c.unregisterProviderIfOwner("nope", owner, "gone"), ErrUnknownProvider)
	_, ok := c.GetProvider("echo")
	assert.True(t, ok)

	require.NoError(t, c.unregisterProviderIfOwner("echo", owner, "done"))

	// The name is now owned by another connection and the first owner's
	// late request must leave it in place.
	require.NoError(t, c.RegisterProvider(&fakeProvider{name: "echo", conn: other}))
	assert.ErrorIs(t, c.unregisterProviderIfOwner("echo", owner, "late"), ErrNotProviderOwner)
	p, ok := c.GetProvider("echo")
	require.True(t, ok)
	assert.Same(t, other, p.Connection())

	assert.Equal(t, []directoryEvent{
		{registered: true, name: "echo", connID: FirstConnectionID},
		{name: "echo", reason: "done"},
		{registered: true, name: "echo", connID: otherDesc.ID()},
	}, obs.recorded())
}

// Package srl implements the SRL controller: the connection pool fed by
// communication interfaces, the dispatch of connections with pending input to
// a pool of router workers, idle connection reaping and the service provider
// directory.
package srl

import (
	"context"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxConnectionID = math.MaxInt32

type commIFDescriptor struct {
	cif     CommIF
	managed bool
}

type teardownRequest struct {
	descriptor *ConnectionDescriptor
	reason     string
}

type Controller struct {
	cfg         Config
	router      Router
	observer    DirectoryObserver
	now         func() time.Time
	idleTimeout atomic.Int64 // time.Duration

	// mu guards the registry, the service directory, the interface list and
	// the lifecycle flags.
	mu                  sync.Mutex
	nextID              int
	connections         map[int]*ConnectionDescriptor
	connectionIDs       map[Connection]int
	providers           map[string]ServiceProvider
	providerConnections map[Connection]string
	interfaces          []commIFDescriptor
	pendingTeardown     []teardownRequest
	observerEvents      []observerEvent
	started             bool
	stopped             bool

	// observerMu serializes observer delivery so callbacks arrive in
	// directory order. It is taken before c.mu, never while holding it.
	observerMu sync.Mutex

	active *activeQueue
	stats  counters

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

type Option func(*Controller)

// WithRouter replaces the default MessageRouter.
func WithRouter(r Router) Option {
	return func(c *Controller) { c.router = r }
}

func WithObserver(o DirectoryObserver) Option {
	return func(c *Controller) { c.observer = o }
}

// WithClock sets the time source used for expirations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func NewController(cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	c := &Controller{
		cfg:                 cfg,
		now:                 time.Now,
		nextID:              FirstConnectionID,
		connections:         make(map[int]*ConnectionDescriptor),
		connectionIDs:       make(map[Connection]int),
		providers:           make(map[string]ServiceProvider),
		providerConnections: make(map[Connection]string),
		active:              newActiveQueue(cfg.QueueCapacity),
	}
	c.idleTimeout.Store(int64(cfg.IdleTimeout))
	for _, opt := range opts {
		opt(c)
	}
	if c.router == nil {
		c.router = NewMessageRouter(cfg.RouteTimeout)
	}

	log.Debugf("Controller created, %d routers, idle timeout %v", cfg.Routers, cfg.IdleTimeout)
	return c, nil
}

// SetIdleConnectionTimeout sets the idle time after which connections added
// without an explicit expiration are reaped. Expirations have a resolution
// of one second, so shorter timeouts are rejected.
func (c *Controller) SetIdleConnectionTimeout(d time.Duration) error {
	if d < time.Second {
		return ErrInvalidIdleTimeout
	}
	c.idleTimeout.Store(int64(d))
	return nil
}

func (c *Controller) IdleConnectionTimeout() time.Duration {
	return time.Duration(c.idleTimeout.Load())
}

func (c *Controller) nowUnix() int64 {
	return c.now().Unix()
}

func (c *Controller) expirationFromNow() int64 {
	return c.nowUnix() + int64(c.IdleConnectionTimeout()/time.Second)
}

// RegisterInterface adds a transport whose new connections are accepted by
// the run loop. Managed interfaces are closed when the controller stops.
func (c *Controller) RegisterInterface(cif CommIF, managed bool) error {
	if cif == nil {
		return ErrNilInterface
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrStopped
	}
	for _, known := range c.interfaces {
		if known.cif == cif {
			return ErrInterfaceRegistered
		}
	}
	c.interfaces = append(c.interfaces, commIFDescriptor{cif: cif, managed: managed})
	log.Debugf("Registered communication interface %T (managed %v)", cif, managed)
	return nil
}

// AddConnection puts a connection into the pool and returns its id. An
// expiration of zero means now plus the idle timeout, a negative expiration
// means the connection never expires.
func (c *Controller) AddConnection(connection Connection, expiration int64) (int, error) {
	if connection == nil {
		return 0, ErrNilConnection
	}
	if expiration == 0 {
		expiration = c.expirationFromNow()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return 0, ErrStopped
	}
	if _, ok := c.connectionIDs[connection]; ok {
		return 0, ErrConnectionExists
	}
	if c.cfg.MaxConnections > 0 && len(c.connections) >= c.cfg.MaxConnections {
		return 0, ErrPoolExhausted
	}
	if c.nextID >= maxConnectionID {
		return 0, ErrIDSpaceExhausted
	}

	id := c.nextID
	c.nextID++
	c.connections[id] = newConnectionDescriptor(id, connection, expiration)
	c.connectionIDs[connection] = id
	c.stats.accepted.Add(1)

	log.WithFields(log.Fields{"connid": id, "expiration": expiration}).Debug("Connection added")
	return id, nil
}

// GetConnection looks a connection up by id. It reports false for unknown
// or already removed ids.
func (c *Controller) GetConnection(id int) (*ConnectionDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.connections[id]
	return d, ok
}

// ConnectionID returns the id a connection was registered under.
func (c *Controller) ConnectionID(connection Connection) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.connectionIDs[connection]
	return id, ok
}

func (c *Controller) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connections)
}

func (c *Controller) descriptors() []*ConnectionDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ConnectionDescriptor, 0, len(c.connections))
	for _, d := range c.connections {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// CloseConnection tears a connection down on request, notifying its provider
// if it has one. It fails with ErrConnectionBusy while a worker processes it.
func (c *Controller) CloseConnection(id int, reason string) error {
	d, ok := c.GetConnection(id)
	if !ok {
		return ErrUnknownConnection
	}
	if !c.active.claim(d) {
		return ErrConnectionBusy
	}
	if !c.destroyConnection(d, reason) {
		return ErrUnknownConnection
	}
	return nil
}

// Start launches the run loop and the router workers. It returns at once;
// use Stop to shut the controller down.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.group = g
	c.mu.Unlock()

	g.Go(func() error { return c.runLoop(gctx) })
	for i := 0; i < c.cfg.Routers; i++ {
		i := i
		g.Go(func() error { return c.routerWorker(gctx, i) })
	}

	log.Infof("Controller started with %d routers", c.cfg.Routers)
	return nil
}

// Stop shuts the controller down: blocked workers are woken, in-flight
// routing completes, then every remaining connection is destroyed and the
// managed interfaces are closed. Stop is idempotent.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		log.Info("Stopping controller")
		c.mu.Lock()
		c.stopped = true
		cancel, group := c.cancel, c.group
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.active.close()
		if group != nil {
			c.stopErr = group.Wait()
		}
		c.cleanup()
		log.Info("Controller stopped")
	})
	return c.stopErr
}

func (c *Controller) cleanup() {
	c.processTeardowns()

	for _, d := range c.descriptors() {
		c.destroyConnection(d, ReasonShutdown)
	}

	c.mu.Lock()
	interfaces := c.interfaces
	c.interfaces = nil
	c.mu.Unlock()

	for _, desc := range interfaces {
		if !desc.managed {
			continue
		}
		if err := desc.cif.Close(); err != nil {
			log.Warnf("Error closing communication interface %T: %v", desc.cif, err)
		}
	}
}

func (c *Controller) runLoop(ctx context.Context) error {
	defer c.active.close()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var lastReap time.Time
	for {
		c.acceptConnections()
		c.processTeardowns()
		c.dispatchActive()
		if now := time.Now(); now.Sub(lastReap) >= c.cfg.ReapInterval {
			if n := c.reapIdle(); n > 0 {
				log.Debugf("Reaped %d idle connections", n)
			}
			lastReap = now
		}

		select {
		case <-ctx.Done():
			log.Debug("Run loop exiting")
			return nil
		case <-ticker.C:
		}
	}
}

// acceptConnections polls every interface once and adds what they accepted.
func (c *Controller) acceptConnections() {
	c.mu.Lock()
	interfaces := make([]commIFDescriptor, len(c.interfaces))
	copy(interfaces, c.interfaces)
	c.mu.Unlock()

	for _, desc := range interfaces {
		conns, err := desc.cif.Accept()
		if err != nil {
			c.dropInterface(desc, err)
		}
		for _, conn := range conns {
			if _, err := c.AddConnection(conn, 0); err != nil {
				log.Warnf("Rejecting new connection: %v", err)
				conn.Close()
			}
		}
	}
}

// dropInterface removes an interface whose Accept failed, closing it when
// the controller manages it.
func (c *Controller) dropInterface(desc commIFDescriptor, cause error) {
	c.mu.Lock()
	found := false
	for i, known := range c.interfaces {
		if known.cif == desc.cif {
			c.interfaces = append(c.interfaces[:i], c.interfaces[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}

	log.Warnf("Communication interface %T failed, removing it: %v", desc.cif, cause)
	c.stats.interfacesFailed.Add(1)
	if desc.managed {
		if err := desc.cif.Close(); err != nil {
			log.Debugf("Error closing failed communication interface %T: %v", desc.cif, err)
		}
	}
}

// dispatchActive offers every readable, idle and unexpired connection to the
// router pool. Connections found dead are torn down.
func (c *Controller) dispatchActive() {
	now := c.nowUnix()
	for _, d := range c.descriptors() {
		if d.IsBeingProcessed() {
			continue
		}
		if !d.connection.IsConnected() {
			if c.active.claim(d) {
				log.Infof("Connection %d lost, tearing down", d.id)
				c.destroyConnection(d, ReasonConnectionLost)
				c.stats.lost.Add(1)
			}
			continue
		}
		if d.IsExpired(now) || !d.connection.Readable() {
			continue
		}
		queued, err := c.active.push(d)
		if err != nil {
			log.Warnf("Cannot queue connection %d: %v", d.id, err)
			continue
		}
		if queued {
			c.stats.enqueued.Add(1)
			log.Tracef("Connection %d queued for routing", d.id)
		}
	}
}

// reapIdle destroys every expired connection no worker is processing and
// returns how many were reaped.
func (c *Controller) reapIdle() int {
	reaped := 0
	for _, d := range c.descriptors() {
		if d.IsBeingProcessed() || !d.IsExpired(c.nowUnix()) {
			continue
		}
		if !c.active.claim(d) {
			continue
		}
		// A worker may have refreshed the expiration before we claimed it.
		if !d.IsExpired(c.nowUnix()) {
			c.active.release(d)
			continue
		}
		log.Infof("Connection %d idle since expiration %d, reaping", d.id, d.Expiration())
		if c.destroyConnection(d, ReasonIdleTimeout) {
			c.stats.reaped.Add(1)
			reaped++
		}
	}
	return reaped
}

// requestTeardown hands a connection claimed by a worker over to the run
// loop for destruction.
func (c *Controller) requestTeardown(d *ConnectionDescriptor, reason string) {
	c.mu.Lock()
	c.pendingTeardown = append(c.pendingTeardown, teardownRequest{descriptor: d, reason: reason})
	c.mu.Unlock()
}

func (c *Controller) processTeardowns() {
	c.mu.Lock()
	pending := c.pendingTeardown
	c.pendingTeardown = nil
	c.mu.Unlock()

	for _, req := range pending {
		if c.destroyConnection(req.descriptor, req.reason) {
			c.stats.tornDown.Add(1)
		}
	}
}

// destroyConnection removes a claimed descriptor from the registry, first
// unregistering the provider bound to its connection, and closes the
// connection. It returns false if the descriptor was already gone.
func (c *Controller) destroyConnection(d *ConnectionDescriptor, reason string) bool {
	c.mu.Lock()
	if current, ok := c.connections[d.id]; !ok || current != d {
		c.mu.Unlock()
		return false
	}
	name, bound := c.providerConnections[d.connection]
	var provider ServiceProvider
	if bound {
		provider = c.removeProviderLocked(name, reason)
	}
	delete(c.connections, d.id)
	delete(c.connectionIDs, d.connection)
	c.mu.Unlock()

	if provider != nil {
		c.releaseProvider(name, provider, reason)
		c.notifyObserver()
	}
	if err := d.connection.Close(); err != nil && err != io.EOF {
		log.Debugf("Error closing connection %d: %v", d.id, err)
	}
	c.stats.destroyed.Add(1)
	log.WithFields(log.Fields{"connid": d.id, "reason": reason}).Debug("Connection destroyed")
	return true
}

package srl

import (
	"context"
	"io"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/srlproto"
)

// RegisterProvider binds a provider to its connection, which must already
// be in the pool. Names are unique and a connection hosts at most one
// provider; a clashing registration is rejected and leaves the directory
// unchanged.
func (c *Controller) RegisterProvider(provider ServiceProvider) error {
	if provider == nil {
		return ErrNilProvider
	}
	name := provider.Name()
	if name == "" {
		return ErrEmptyProviderName
	}
	conn := provider.Connection()

	c.mu.Lock()
	id, ok := c.connectionIDs[conn]
	switch {
	case conn == nil || !ok:
		c.mu.Unlock()
		return ErrUnknownConnection
	case c.providers[name] != nil:
		c.mu.Unlock()
		return ErrProviderExists
	}
	if _, bound := c.providerConnections[conn]; bound {
		c.mu.Unlock()
		return ErrConnectionBound
	}
	c.providers[name] = provider
	c.providerConnections[conn] = name
	c.queueObserverEventLocked(observerEvent{registered: true, name: name, connectionID: id})
	c.mu.Unlock()

	c.stats.providersRegistered.Add(1)
	log.WithFields(log.Fields{"provider": name, "connid": id}).Info("Provider registered")
	c.notifyObserver()
	return nil
}

// GetProvider looks a provider up by name.
func (c *Controller) GetProvider(name string) (ServiceProvider, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.providers[name]
	return p, ok
}

// ProviderFor returns the name of the provider bound to a connection.
func (c *Controller) ProviderFor(conn Connection) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.providerConnections[conn]
	return name, ok
}

// ProviderNames lists the registered providers in name order.
func (c *Controller) ProviderNames() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// UnregisterProvider removes a provider from the directory, sending it a
// disconnect notice carrying reason when its connection is still up. It
// reports false when no provider has that name.
func (c *Controller) UnregisterProvider(name string, reason string) bool {
	c.mu.Lock()
	provider := c.removeProviderLocked(name, reason)
	c.mu.Unlock()

	if provider == nil {
		return false
	}
	c.releaseProvider(name, provider, reason)
	c.notifyObserver()
	return true
}

// unregisterProviderIfOwner removes the provider called name only if it is
// bound to conn. The ownership check and the removal happen under one lock
// so a provider re-registered under the same name by another connection is
// left alone.
func (c *Controller) unregisterProviderIfOwner(name string, conn Connection, reason string) error {
	c.mu.Lock()
	p, ok := c.providers[name]
	switch {
	case !ok:
		c.mu.Unlock()
		return ErrUnknownProvider
	case p.Connection() != conn:
		c.mu.Unlock()
		return ErrNotProviderOwner
	}
	provider := c.removeProviderLocked(name, reason)
	c.mu.Unlock()

	c.releaseProvider(name, provider, reason)
	c.notifyObserver()
	return nil
}

// removeProviderLocked drops both directory entries of a provider and queues
// the observer notification. c.mu must be held.
func (c *Controller) removeProviderLocked(name string, reason string) ServiceProvider {
	provider, ok := c.providers[name]
	if !ok {
		return nil
	}
	delete(c.providerConnections, provider.Connection())
	delete(c.providers, name)
	c.queueObserverEventLocked(observerEvent{name: name, reason: reason})
	return provider
}

// releaseProvider notifies and releases a provider already removed from the
// directory.
func (c *Controller) releaseProvider(name string, provider ServiceProvider, reason string) {
	if conn := provider.Connection(); conn != nil && conn.IsConnected() {
		if err := conn.Send(srlproto.NewDisconnect(reason)); err != nil {
			log.Debugf("Could not send disconnect notice to provider %s: %v", name, err)
		}
	}
	if closer, ok := provider.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Debugf("Error releasing provider %s: %v", name, err)
		}
	}

	c.stats.providersUnregistered.Add(1)
	log.WithFields(log.Fields{"provider": name, "reason": reason}).Info("Provider unregistered")
}

type observerEvent struct {
	registered   bool
	name         string
	connectionID int
	reason       string
}

// queueObserverEventLocked records a directory change for the observer. c.mu
// must be held, which keeps the queue in directory order.
func (c *Controller) queueObserverEventLocked(ev observerEvent) {
	if c.observer != nil {
		c.observerEvents = append(c.observerEvents, ev)
	}
}

// notifyObserver delivers the queued directory changes. Whoever holds
// observerMu drains the queue, so callbacks never overtake each other.
// Callbacks run without c.mu but must not change the directory.
func (c *Controller) notifyObserver() {
	if c.observer == nil {
		return
	}
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	for {
		c.mu.Lock()
		events := c.observerEvents
		c.observerEvents = nil
		c.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if ev.registered {
				c.observer.ProviderRegistered(context.Background(), ev.name, ev.connectionID)
			} else {
				c.observer.ProviderUnregistered(context.Background(), ev.name, ev.reason)
			}
		}
	}
}

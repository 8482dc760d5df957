package srl

import (
	"context"

	"github.com/autonlab/srl/srlproto"
)

// Connection is a message-oriented link to one peer. The registry owns it
// once added and closes it when the connection is destroyed.
//
// Implementations must be comparable (pointer types): connections are used
// as keys of the provider inverse index.
type Connection interface {
	IsConnected() bool
	Send(msg *srlproto.Message) error
	// Readable reports, without blocking, whether a Receive would return
	// immediately, either with a message or with an error.
	Readable() bool
	Receive(ctx context.Context) (*srlproto.Message, error)
	Close() error
}

// CommIF is a transport that produces new connections.
type CommIF interface {
	// Accept returns the connections accepted since the previous call. It
	// must not block. An error is terminal: the controller drops the
	// interface, closing it if managed.
	Accept() ([]Connection, error)
	Close() error
}

// ServiceProvider is a named service bound to a single connection.
type ServiceProvider interface {
	Name() string
	Connection() Connection
	// Handle delivers a message addressed to the service.
	Handle(ctx context.Context, msg *srlproto.Message) error
}

// Router processes the pending input of a connection on behalf of a router
// worker. The worker holds exclusive access to d while Route runs. A non-nil
// error means the connection is unusable and it is torn down.
type Router interface {
	Route(ctx context.Context, c *Controller, d *ConnectionDescriptor) error
}

// DirectoryObserver is told about service directory changes after they are
// applied.
type DirectoryObserver interface {
	ProviderRegistered(ctx context.Context, name string, connectionID int)
	ProviderUnregistered(ctx context.Context, name string, reason string)
}

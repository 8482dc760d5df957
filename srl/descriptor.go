package srl

import "sync/atomic"

// ConnectionDescriptor pairs a registered connection with its id, its
// expiration time and the flag telling whether a router worker currently
// owns it.
//
// The processing flag only changes while the active queue lock is held,
// together with queue membership; it is atomic so it can be read anywhere.
type ConnectionDescriptor struct {
	id         int
	connection Connection
	expiration atomic.Int64 // unix seconds, <= 0 never expires
	processing atomic.Bool
}

func newConnectionDescriptor(id int, connection Connection, expiration int64) *ConnectionDescriptor {
	d := &ConnectionDescriptor{id: id, connection: connection}
	d.expiration.Store(expiration)
	return d
}

func (d *ConnectionDescriptor) ID() int { return d.id }

func (d *ConnectionDescriptor) Connection() Connection { return d.connection }

func (d *ConnectionDescriptor) Expiration() int64 { return d.expiration.Load() }

func (d *ConnectionDescriptor) setExpiration(expiration int64) { d.expiration.Store(expiration) }

// IsExpired reports whether the descriptor has an expiration and now (unix
// seconds) is past it.
func (d *ConnectionDescriptor) IsExpired(now int64) bool {
	expiration := d.expiration.Load()
	return expiration > 0 && now > expiration
}

func (d *ConnectionDescriptor) IsBeingProcessed() bool { return d.processing.Load() }

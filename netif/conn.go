// Package netif provides the stream transports the controller polls: framed
// connections over net.Conn, plain TCP/unix listeners and reverse SSH
// tunnels.
package netif

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/srlproto"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	inboxSize           = 64
)

var ErrClosed = errors.New("netif: connection closed")

// Conn carries length-prefixed srlproto messages over a net.Conn. A reader
// goroutine decodes incoming frames into a buffered inbox so that readiness
// can be polled without blocking.
type Conn struct {
	conn         net.Conn
	writeTimeout time.Duration

	writeMutex sync.Mutex

	inbox chan *srlproto.Message

	failed   chan struct{}
	failOnce sync.Once
	readErr  error

	done      chan struct{}
	closeOnce sync.Once
}

// NewConn takes ownership of c and starts reading from it.
func NewConn(c net.Conn, writeTimeout time.Duration) *Conn {
	conn := &Conn{
		conn:         c,
		writeTimeout: writeTimeout,
		inbox:        make(chan *srlproto.Message, inboxSize),
		failed:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	go conn.readLoop()
	return conn
}

func (c *Conn) readLoop() {
	for {
		msg, err := srlproto.ReadFrame(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Infof("Error reading from %s: %v", c, err)
			}
			c.fail(err)
			return
		}
		log.Tracef("Read %v from %s", msg.Type, c)
		select {
		case c.inbox <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.readErr = err
		close(c.failed)
	})
}

// IsConnected is false once the connection was closed, or once the peer has
// gone away and every message it sent has been received.
func (c *Conn) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.failed:
		return len(c.inbox) > 0
	default:
		return true
	}
}

func (c *Conn) Readable() bool {
	if len(c.inbox) > 0 {
		return true
	}
	select {
	case <-c.failed:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// Receive returns the next message, waiting for one until ctx is done.
func (c *Conn) Receive(ctx context.Context) (*srlproto.Message, error) {
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.failed:
		select {
		case msg := <-c.inbox:
			return msg, nil
		default:
		}
		return nil, c.readErr
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes one framed message. Concurrent senders are serialized.
func (c *Conn) Send(msg *srlproto.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	log.Tracef("Sending %v to %s", msg.Type, c)
	return srlproto.WriteFrame(c.conn, msg)
}

func (c *Conn) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) String() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown peer"
}

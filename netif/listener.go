package netif

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/srl"
)

// Listener is a CommIF over a net.Listener. Connections accepted in the
// background are handed out on the next Accept poll.
type Listener struct {
	listener     net.Listener
	writeTimeout time.Duration
	closers      []io.Closer

	mu      sync.Mutex
	pending []srl.Connection
	err     error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen opens a tcp or unix listener and starts accepting on it.
func Listen(network, address string, writeTimeout time.Duration) (*Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	log.Infof("Listening on %s %s", network, l.Addr())
	return NewListener(l, writeTimeout), nil
}

// NewListener takes ownership of l. Extra closers are closed after it, in
// order, when the listener is closed.
func NewListener(l net.Listener, writeTimeout time.Duration, closers ...io.Closer) *Listener {
	listener := &Listener{
		listener:     l,
		writeTimeout: writeTimeout,
		closers:      closers,
		done:         make(chan struct{}),
	}
	listener.wg.Add(1)
	go listener.acceptLoop()
	return listener
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		log.Trace("Listening for an incoming connection")
		c, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Errorf("Error accepting on %s: %v", l.listener.Addr(), err)
			l.mu.Lock()
			l.err = err
			l.mu.Unlock()
			return
		}
		log.Infof("Accepted connection from %s", c.RemoteAddr())
		conn := NewConn(c, l.writeTimeout)

		l.mu.Lock()
		l.pending = append(l.pending, conn)
		l.mu.Unlock()
	}
}

// Accept returns the connections accepted since the last call. It never
// blocks. Once the underlying listener has failed, the failure is reported
// on every call.
func (l *Listener) Accept() ([]srl.Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	return out, l.err
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close stops accepting and closes connections that were never handed out.
func (l *Listener) Close() error {
	err := ErrClosed
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.listener.Close()
		l.wg.Wait()
		for _, c := range l.closers {
			if cerr := c.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}

		l.mu.Lock()
		pending := l.pending
		l.pending = nil
		l.mu.Unlock()
		for _, c := range pending {
			c.Close()
		}
	})
	return err
}

var _ srl.CommIF = (*Listener)(nil)
var _ srl.Connection = (*Conn)(nil)

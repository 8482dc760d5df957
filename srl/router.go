package srl

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/autonlab/srl/srlproto"
)

// routerWorker serves the active queue until it is closed.
func (c *Controller) routerWorker(ctx context.Context, n int) error {
	log.Debugf("Router %d started", n)
	for {
		d, ok := c.active.pop()
		if !ok {
			log.Debugf("Router %d stopping", n)
			return nil
		}
		c.stats.dispatched.Add(1)

		if err := c.route(ctx, d); err != nil {
			log.Infof("Router %d: connection %d failed: %v, requesting teardown", n, d.id, err)
			c.requestTeardown(d, err.Error())
			continue
		}
		if d.Expiration() > 0 {
			d.setExpiration(c.expirationFromNow())
		}
		c.active.release(d)
	}
}

func (c *Controller) route(ctx context.Context, d *ConnectionDescriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrRouterPanic, r)
		}
	}()
	return c.router.Route(ctx, c, d)
}

// MessageRouter is the default Router. It reads one message per dispatch and
// handles provider registration, request forwarding to providers, response
// forwarding back to requesters and pings.
type MessageRouter struct {
	receiveTimeout time.Duration
}

func NewMessageRouter(receiveTimeout time.Duration) *MessageRouter {
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultRouteTimeout
	}
	return &MessageRouter{receiveTimeout: receiveTimeout}
}

func (r *MessageRouter) Route(ctx context.Context, c *Controller, d *ConnectionDescriptor) error {
	conn := d.Connection()

	rctx, cancel := context.WithTimeout(ctx, r.receiveTimeout)
	msg, err := conn.Receive(rctx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			// Nothing arrived in time, or we are shutting down.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	log.Tracef("Connection %d: received %v", d.ID(), msg)

	var reply *srlproto.Message
	switch msg.Type {
	case srlproto.TypePing:
		reply = srlproto.NewMessage(srlproto.TypePong)
		reply.ID = msg.ID

	case srlproto.TypeRegister:
		if err := c.RegisterProvider(NewRemoteProvider(msg.Service, conn)); err != nil {
			reply = srlproto.NewError(msg, err.Error())
		} else {
			reply = srlproto.NewAck(msg)
		}

	case srlproto.TypeUnregister:
		// On success the disconnect notice sent on unregistration is the reply.
		if err := c.unregisterProviderIfOwner(msg.Service, conn, msg.Reason); err != nil {
			reply = srlproto.NewError(msg, err.Error())
		}

	case srlproto.TypeRequest:
		p, ok := c.GetProvider(msg.Service)
		if !ok {
			reply = srlproto.NewError(msg, ErrUnknownProvider.Error())
			break
		}
		msg.Connection = uint64(d.ID())
		if err := p.Handle(ctx, msg); err != nil {
			log.Debugf("Provider %s failed to take request %s: %v", msg.Service, msg.ID, err)
			reply = srlproto.NewError(msg, "provider unavailable")
		}

	case srlproto.TypeResponse:
		target, ok := c.GetConnection(int(msg.Connection))
		if !ok {
			reply = srlproto.NewError(msg, ErrUnknownConnection.Error())
			break
		}
		if err := target.Connection().Send(msg); err != nil {
			log.Debugf("Could not forward response %s to connection %d: %v", msg.ID, msg.Connection, err)
			reply = srlproto.NewError(msg, "requester unavailable")
		}

	case srlproto.TypeDisconnect:
		return ErrPeerDisconnected

	case srlproto.TypePong, srlproto.TypeAck:

	default:
		reply = srlproto.NewError(msg, fmt.Sprintf("unsupported message type %v", msg.Type))
	}

	if reply != nil {
		if err := conn.Send(reply); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
	}
	return nil
}

// RemoteProvider is a service hosted by the peer of a connection. Requests
// for it are forwarded over that connection.
type RemoteProvider struct {
	name string
	conn Connection
}

func NewRemoteProvider(name string, conn Connection) *RemoteProvider {
	return &RemoteProvider{name: name, conn: conn}
}

func (p *RemoteProvider) Name() string { return p.name }

func (p *RemoteProvider) Connection() Connection { return p.conn }

func (p *RemoteProvider) Handle(_ context.Context, msg *srlproto.Message) error {
	return p.conn.Send(msg)
}

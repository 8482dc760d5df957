package srl

import "errors"

var (
	ErrNilConnection       = errors.New("srl: nil connection")
	ErrConnectionExists    = errors.New("srl: connection already registered")
	ErrUnknownConnection   = errors.New("srl: unknown connection")
	ErrConnectionBusy      = errors.New("srl: connection is being processed")
	ErrConnectionClosed    = errors.New("srl: connection closed")
	ErrPeerDisconnected    = errors.New("srl: peer disconnected")
	ErrPoolExhausted       = errors.New("srl: connection pool exhausted")
	ErrIDSpaceExhausted    = errors.New("srl: connection id space exhausted")
	ErrQueueFull           = errors.New("srl: active queue full")
	ErrNilInterface        = errors.New("srl: nil communication interface")
	ErrInterfaceRegistered = errors.New("srl: communication interface already registered")
	ErrNilProvider         = errors.New("srl: nil provider")
	ErrEmptyProviderName   = errors.New("srl: empty provider name")
	ErrProviderExists      = errors.New("srl: provider name already registered")
	ErrConnectionBound     = errors.New("srl: connection already bound to a provider")
	ErrUnknownProvider     = errors.New("srl: unknown provider")
	ErrNotProviderOwner    = errors.New("srl: provider is bound to another connection")
	ErrRouterPanic         = errors.New("srl: router panic")
	ErrAlreadyStarted      = errors.New("srl: controller already started")
	ErrStopped             = errors.New("srl: controller stopped")
	ErrInvalidIdleTimeout  = errors.New("srl: idle timeout must be at least one second")
)

// Teardown reasons, carried by disconnect notices.
const (
	ReasonIdleTimeout    = "idle timeout"
	ReasonConnectionLost = "connection lost"
	ReasonShutdown       = "controller shutdown"
	ReasonAdministrative = "closed by administrator"
)

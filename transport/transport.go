package transport

import (
	"context"

	"github.com/ardnew/softqmi/hal"
)

// Handler receives inbound traffic from a running transport.
//
// Methods are called from the transport's reader goroutine, one at a time.
// Receive owns frame for the duration of the call only. TransportLost is
// called at most once, when the reader stops because the device went away;
// it is not called for a reader stopped by Close or context cancellation.
type Handler interface {
	Receive(frame []byte)
	LinkChanged(ev LinkEvent)
	TransportLost(err error)
}

// Transport is a frame-oriented, bidirectional control channel.
type Transport interface {
	// Write sends one frame and returns once the device has accepted it.
	Write(ctx context.Context, frame []byte) error

	// Start launches the inbound reader. It returns ErrAlreadyRunning if
	// called twice. The reader stops when ctx is cancelled or Close is called.
	Start(ctx context.Context, h Handler) error

	// Close stops the reader and releases the underlying device.
	Close() error
}

// Identifier is implemented by transports that can describe the device
// they are bound to.
type Identifier interface {
	Identity() hal.Identity
}

// LinkEvent reports a change in link speed. A zero rate in either direction
// means traffic must stop.
type LinkEvent struct {
	UpstreamBitRate   uint32
	DownstreamBitRate uint32
}

// Up reports whether both directions carry traffic.
func (e LinkEvent) Up() bool {
	return e.UpstreamBitRate != 0 && e.DownstreamBitRate != 0
}

// HandlerFuncs adapts plain functions to the Handler interface.
// Any field may be nil.
type HandlerFuncs struct {
	OnReceive func(frame []byte)
	OnLink    func(ev LinkEvent)
	OnLost    func(err error)
}

// Receive calls OnReceive.
func (f HandlerFuncs) Receive(frame []byte) {
	if f.OnReceive != nil {
		f.OnReceive(frame)
	}
}

// LinkChanged calls OnLink.
func (f HandlerFuncs) LinkChanged(ev LinkEvent) {
	if f.OnLink != nil {
		f.OnLink(ev)
	}
}

// TransportLost calls OnLost.
func (f HandlerFuncs) TransportLost(err error) {
	if f.OnLost != nil {
		f.OnLost(err)
	}
}

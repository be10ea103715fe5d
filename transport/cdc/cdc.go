package cdc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/transport"
)

// Transport carries QMUX frames over a CDC encapsulated-command channel.
type Transport struct {
	hal      hal.ControlHAL
	identity hal.Identity
	readSize int
	limiter  *rate.Limiter

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// Option configures a Transport.
type Option func(*Transport)

// WithReadSize sets the GET_ENCAPSULATED_RESPONSE buffer length.
func WithReadSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.readSize = n
		}
	}
}

// WithErrorRate sets how fast the reader retries after failed interrupt
// polls.
func WithErrorRate(r rate.Limit, burst int) Option {
	return func(t *Transport) {
		t.limiter = rate.NewLimiter(r, burst)
	}
}

// New creates a transport over an opened HAL. The transport takes ownership
// of h and closes it in Close.
func New(h hal.ControlHAL, opts ...Option) *Transport {
	t := &Transport{
		hal:      h,
		identity: h.Identity(),
		readSize: DefaultReadSize,
		limiter:  rate.NewLimiter(rate.Every(DefaultErrorBackoff), defaultErrorBurst),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Identity returns the identity of the underlying interface.
func (t *Transport) Identity() hal.Identity {
	return t.identity
}

// Write sends one frame with SEND_ENCAPSULATED_COMMAND.
func (t *Transport) Write(ctx context.Context, frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxWriteSize {
		return fmt.Errorf("frame length %d: %w", len(frame), pkg.ErrInvalidParameter)
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", pkg.ErrTransportFailure, pkg.ErrNoDevice)
	}

	setup := hal.SetupPacket{
		RequestType: RequestTypeHostToInterface,
		Request:     RequestSendEncapsulatedCommand,
		Index:       uint16(t.identity.Interface),
		Length:      uint16(len(frame)),
	}
	n, err := t.hal.ControlTransfer(ctx, &setup, frame)
	if err != nil {
		return fmt.Errorf("send encapsulated command: %w: %w", pkg.ErrTransportFailure, err)
	}
	if n != len(frame) {
		return fmt.Errorf("send encapsulated command: short write %d/%d: %w",
			n, len(frame), pkg.ErrTransportFailure)
	}

	pkg.LogDebug(pkg.ComponentTransport, "frame sent", "len", n, "data", pkg.Hex(frame))
	return nil
}

// Start launches the interrupt reader.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return pkg.ErrNoDevice
	}
	if t.running {
		return pkg.ErrAlreadyRunning
	}

	ctx, t.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return t.readLoop(gctx, h)
	})
	t.group = g
	t.running = true

	pkg.LogInfo(pkg.ComponentTransport, "reader started",
		"interface", t.identity.Interface,
		"endpoint", fmt.Sprintf("0x%02X", t.identity.InterruptEndpoint),
		"interval", t.identity.Speed.InterruptInterval())
	return nil
}

// Close stops the reader, waits for it to exit, and closes the HAL.
// Calling Close more than once is safe.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cancel, g := t.cancel, t.group
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		if err := g.Wait(); err != nil {
			pkg.LogDebug(pkg.ComponentTransport, "reader exited", "error", err)
		}
	}

	if err := t.hal.Close(); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentTransport, "transport closed")
	return nil
}

// readLoop polls the notification endpoint until ctx is done or the device
// disappears.
func (t *Transport) readLoop(ctx context.Context, h transport.Handler) error {
	buf := make([]byte, MaxNotificationSize)
	period := t.identity.Speed.PollPeriod()

	for {
		n, err := t.hal.InterruptTransfer(ctx, t.identity.InterruptEndpoint, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, pkg.ErrNoDevice) {
				pkg.LogError(pkg.ComponentTransport, "device lost", "error", err)
				h.TransportLost(err)
				return err
			}
			// Overruns drop one notification; the device repeats it.
			pkg.LogWarn(pkg.ComponentTransport, "interrupt poll failed",
				"error", err, "period", period)
			if err := t.limiter.Wait(ctx); err != nil {
				return nil
			}
			continue
		}
		t.handleNotification(ctx, h, buf[:n])
	}
}

// handleNotification dispatches one interrupt packet.
func (t *Transport) handleNotification(ctx context.Context, h transport.Handler, pkt []byte) {
	switch {
	case len(pkt) == ResponseAvailableSize:
		// Some firmware sends a malformed header, so any 8-byte packet
		// counts as RESPONSE_AVAILABLE.
		frame, err := t.fetchResponse(ctx)
		if err != nil {
			if ctx.Err() == nil {
				pkg.LogWarn(pkg.ComponentTransport, "fetch response failed", "error", err)
			}
			return
		}
		if len(frame) > 0 {
			h.Receive(frame)
		}

	case isConnectionSpeedChange(pkt):
		ev := transport.LinkEvent{
			DownstreamBitRate: binary.LittleEndian.Uint32(pkt[8:12]),
			UpstreamBitRate:   binary.LittleEndian.Uint32(pkt[12:16]),
		}
		pkg.LogInfo(pkg.ComponentTransport, "connection speed change",
			"downstream", ev.DownstreamBitRate, "upstream", ev.UpstreamBitRate)
		h.LinkChanged(ev)

	default:
		pkg.LogDebug(pkg.ComponentTransport, "ignoring interrupt packet", "data", pkg.Hex(pkt))
	}
}

// fetchResponse issues GET_ENCAPSULATED_RESPONSE.
func (t *Transport) fetchResponse(ctx context.Context) ([]byte, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeInterfaceToHost,
		Request:     RequestGetEncapsulatedResponse,
		Index:       uint16(t.identity.Interface),
		Length:      uint16(t.readSize),
	}
	buf := make([]byte, t.readSize)
	n, err := t.hal.ControlTransfer(ctx, &setup, buf)
	if err != nil {
		return nil, fmt.Errorf("get encapsulated response: %w: %w", pkg.ErrTransportFailure, err)
	}
	pkg.LogDebug(pkg.ComponentTransport, "frame received", "len", n, "data", pkg.Hex(buf[:n]))
	return buf[:n], nil
}

func isConnectionSpeedChange(pkt []byte) bool {
	return len(pkt) == ConnectionSpeedChangeSize &&
		pkt[0] == RequestTypeInterfaceToHost &&
		pkt[1] == NotificationConnectionSpeedChange &&
		binary.LittleEndian.Uint16(pkt[6:8]) == connectionSpeedChangeLength
}

// EncodeResponseAvailable builds a RESPONSE_AVAILABLE notification for
// interface iface.
func EncodeResponseAvailable(iface uint8) []byte {
	pkt := make([]byte, ResponseAvailableSize)
	pkt[0] = RequestTypeInterfaceToHost
	pkt[1] = NotificationResponseAvailable
	binary.LittleEndian.PutUint16(pkt[4:6], uint16(iface))
	return pkt
}

// EncodeConnectionSpeedChange builds a CONNECTION_SPEED_CHANGE notification.
func EncodeConnectionSpeedChange(iface uint8, downstream, upstream uint32) []byte {
	pkt := make([]byte, ConnectionSpeedChangeSize)
	pkt[0] = RequestTypeInterfaceToHost
	pkt[1] = NotificationConnectionSpeedChange
	binary.LittleEndian.PutUint16(pkt[4:6], uint16(iface))
	binary.LittleEndian.PutUint16(pkt[6:8], connectionSpeedChangeLength)
	binary.LittleEndian.PutUint32(pkt[8:12], downstream)
	binary.LittleEndian.PutUint32(pkt[12:16], upstream)
	return pkt
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Identifier = (*Transport)(nil)
)

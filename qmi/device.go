package qmi

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/transport"
)

// State is the lifecycle state of a Device.
type State uint8

// Device states.
const (
	StateUnregistered State = iota // Not yet registered, or torn down
	StateValid                     // Accepting client operations
	StateInvalid                   // Tearing down
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Device multiplexes QMI clients over one transport.
type Device struct {
	tr      transport.Transport
	opts    options
	metrics *metrics

	// mu guards the registry and every client queue. It is never held
	// across a transport call, a blocking wait, or a hook.
	mu       sync.Mutex
	state    State
	clients  map[uint16]*client
	writeSeq uint64
	retired  bool
	meid     string
	wdsCID   uint16

	gone   chan struct{}
	ctlTID atomic.Uint32
	link   link

	runCancel context.CancelFunc
}

// New creates an unregistered device over tr. Call Register to bring it up.
func New(tr transport.Transport, opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Device{
		tr:      tr,
		opts:    o,
		metrics: newMetrics(o.registerer),
		clients: make(map[uint16]*client),
		gone:    make(chan struct{}),
		meid:    qmux.DefaultMEID,
	}
	d.link.down = 1 << DownNoNDISConnection
	return d
}

// State returns the current lifecycle state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Valid reports whether client operations are accepted.
func (d *Device) Valid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateValid
}

// Done is closed when the device is invalidated.
func (d *Device) Done() <-chan struct{} {
	return d.gone
}

// Identity returns the USB identity of the transport, if it has one.
func (d *Device) Identity() (hal.Identity, bool) {
	if id, ok := d.tr.(transport.Identifier); ok {
		return id.Identity(), true
	}
	return hal.Identity{}, false
}

// MEID returns the modem's MEID, or DefaultMEID if it was not read.
func (d *Device) MEID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.meid
}

// Register brings the device up: it registers the control client, starts
// the transport reader and runs the readiness handshake. Optional steps
// (firmware delay, WDS link watcher, MEID) follow. Any failure tears the
// device down; a handshake that exceeds the ready timeout returns
// ErrTimeout.
func (d *Device) Register(ctx context.Context) error {
	d.mu.Lock()
	switch {
	case d.retired:
		d.mu.Unlock()
		return pkg.ErrDeviceGone
	case d.state != StateUnregistered:
		d.mu.Unlock()
		return pkg.ErrAlreadyRunning
	}
	d.state = StateValid
	d.mu.Unlock()

	if _, err := d.Allocate(ctx, qmux.ServiceCTL); err != nil {
		d.abort("control client", err)
		return err
	}
	d.ctlTID.Store(1)

	runCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.runCancel = cancel
	d.mu.Unlock()

	if err := d.tr.Start(runCtx, d); err != nil {
		d.abort("start transport", err)
		return fmt.Errorf("start transport: %w", err)
	}

	start := time.Now()
	if err := d.waitReady(ctx); err != nil {
		pkg.LogError(pkg.ComponentDevice, "device unresponsive to QMI", "error", err)
		d.abort("handshake", err)
		return err
	}
	pkg.LogInfo(pkg.ComponentDevice, "QMI ready", "after", time.Since(start))

	if d.opts.firmwareDelay > 0 {
		pkg.LogInfo(pkg.ComponentDevice, "waiting for firmware", "delay", d.opts.firmwareDelay)
		select {
		case <-time.After(d.opts.firmwareDelay):
		case <-ctx.Done():
			d.abort("firmware delay", ctx.Err())
			return fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
		}
	}

	if d.opts.watchLink {
		if err := d.watchWDS(ctx); err != nil {
			d.abort("wds watcher", err)
			return fmt.Errorf("wds watcher: %w", err)
		}
	} else {
		d.ClearDown(DownNoNDISConnection)
	}

	if d.opts.readMEID {
		if err := d.readMEID(ctx); err != nil {
			d.abort("meid", err)
			return fmt.Errorf("read meid: %w", err)
		}
	}

	pkg.LogInfo(pkg.ComponentDevice, "device registered", "meid", d.MEID())
	return nil
}

// abort tears the device down after a failed bring-up step.
func (d *Device) abort(step string, cause error) {
	pkg.LogWarn(pkg.ComponentDevice, "bring-up failed", "step", step, "error", cause)
	if err := d.Teardown(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "teardown after failed bring-up", "error", err)
	}
}

// Receive implements transport.Handler. It parses the QMUX and SDU headers
// of an inbound frame and queues the SDU on the addressed clients.
func (d *Device) Receive(frame []byte) {
	if !d.Valid() {
		pkg.LogDebug(pkg.ComponentDevice, "frame on invalid device dropped")
		d.metrics.drop(dropInvalid)
		return
	}

	h, sdu, err := qmux.Split(frame)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "error parsing QMUX", "error", err, "data", pkg.Hex(frame))
		d.metrics.drop(dropMalformed)
		return
	}
	tid, err := qmux.TID(h.Service, sdu)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "data buffer too small to parse", "error", err)
		d.metrics.drop(dropMalformed)
		return
	}

	if err := d.Enqueue(h.CID(), tid, sdu); err != nil {
		pkg.LogDebug(pkg.ComponentDevice, "frame not queued",
			"cid", cidAttr(h.CID()), "tid", tid, "error", err)
	}
}

// TransportLost implements transport.Handler. The device is torn down on a
// separate goroutine because Teardown waits for the transport reader.
func (d *Device) TransportLost(err error) {
	pkg.LogError(pkg.ComponentDevice, "transport lost", "error", err)
	go func() {
		if err := d.Teardown(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "teardown after transport loss", "error", err)
		}
	}()
}

// Teardown invalidates the device, removes every client and closes the
// transport. Pending synchronous reads return ErrDeviceGone and pending
// hooks fire with Discarded. Clients are not released in-band; use
// Shutdown for that. Teardown is idempotent.
func (d *Device) Teardown() error {
	d.mu.Lock()
	if d.retired {
		d.mu.Unlock()
		return nil
	}
	d.retired = true
	d.state = StateInvalid
	close(d.gone)

	clients := d.clients
	d.clients = make(map[uint16]*client)
	d.metrics.clients.Sub(float64(len(clients)))
	runCancel := d.runCancel
	type drained struct {
		cid      uint16
		notifies []*notification
		cancels  []context.CancelFunc
	}
	all := make([]drained, 0, len(clients))
	for cid, c := range clients {
		n, cancels := c.drain()
		all = append(all, drained{cid, n, cancels})
	}
	d.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDevice, "tearing down", "clients", len(all))
	for _, c := range all {
		pkg.LogDebug(pkg.ComponentDevice, "release", "cid", cidAttr(c.cid))
		d.discard(c.cid, c.notifies, c.cancels)
	}

	if runCancel != nil {
		runCancel()
	}
	err := d.tr.Close()
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "transport close failed", "error", err)
	}

	d.mu.Lock()
	d.state = StateUnregistered
	d.mu.Unlock()
	return err
}

// Shutdown releases every client in-band while the device is still valid,
// then tears it down.
func (d *Device) Shutdown(ctx context.Context) error {
	for _, cid := range d.Clients() {
		if cid == qmux.CIDControl {
			continue
		}
		if err := d.Release(ctx, cid); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "release during shutdown",
				"cid", cidAttr(cid), "error", err)
		}
	}
	return d.Teardown()
}

var _ transport.Handler = (*Device)(nil)

package qmi

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/transport"
)

// =============================================================================
// Fake Transport
// =============================================================================

// fakeTransport answers control requests like a modem, synchronously from
// inside Write. Requests for other services go to onRequest.
type fakeTransport struct {
	mu        sync.Mutex
	h         transport.Handler
	frames    [][]byte
	started   bool
	closed    bool
	silent    bool
	writeErr  error
	blockCID  map[uint16]bool
	clients   map[qmux.Service]uint8
	holdAlloc chan struct{} // GetClientID replies wait for it when set
	onRequest func(f *fakeTransport, cid uint16, sdu []byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		blockCID: make(map[uint16]bool),
		clients:  make(map[qmux.Service]uint8),
	}
}

func (f *fakeTransport) Identity() hal.Identity {
	return hal.Identity{VendorID: 0x22b8, ProductID: 0x2a70, Interface: 5, InterruptEndpoint: 0x87}
}

func (f *fakeTransport) Start(ctx context.Context, h transport.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pkg.ErrNoDevice
	}
	f.h = h
	f.started = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Write(ctx context.Context, frame []byte) error {
	h, sdu, err := qmux.Split(frame)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
	closed, blocked, werr, fn := f.closed, f.blockCID[h.CID()], f.writeErr, f.onRequest
	f.mu.Unlock()

	switch {
	case closed:
		return pkg.ErrNoDevice
	case blocked:
		<-ctx.Done()
		return ctx.Err()
	case werr != nil:
		return werr
	}

	if h.Service == qmux.ServiceCTL {
		f.control(sdu)
	} else if fn != nil {
		fn(f, h.CID(), sdu)
	}
	return nil
}

func (f *fakeTransport) control(sdu []byte) {
	var s qmux.SDU
	if err := qmux.ParseSDU(qmux.ServiceCTL, sdu, &s); err != nil {
		return
	}

	switch s.Message {
	case qmux.MsgCTLGetVersionInfo:
		f.mu.Lock()
		silent := f.silent
		f.mu.Unlock()
		if !silent {
			f.reply(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
				qmux.ResultSuccess, 0, nil))
		}

	case qmux.MsgCTLGetClientID:
		v, _ := qmux.FindTLV(s.TLVs, qmux.TLVCTLRequestedService)
		svc := qmux.Service(v[0])
		f.mu.Lock()
		hold := f.holdAlloc
		f.mu.Unlock()
		if hold != nil {
			<-hold
		}
		f.mu.Lock()
		n := f.clients[svc]
		f.clients[svc] = n + 1
		f.mu.Unlock()
		f.reply(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultSuccess, 0,
			qmux.AppendTLV(nil, qmux.TLVCTLAllocationInfo, []byte{byte(svc), n})))

	case qmux.MsgCTLReleaseClientID:
		f.reply(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultSuccess, 0, nil))
	}
}

// reply delivers sdu as if the modem had sent it to cid.
func (f *fakeTransport) reply(cid uint16, sdu []byte) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	if h != nil {
		h.Receive(qmux.ServiceFrame(cid, sdu))
	}
}

func (f *fakeTransport) setSilent(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = v
}

func (f *fakeTransport) block(cid uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockCID[cid] = true
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) lastFrame() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}

// =============================================================================
// Helpers
// =============================================================================

// startDevice registers a device over f with the watcher and MEID read
// disabled unless opts turn them back on.
func startDevice(t *testing.T, f *fakeTransport, opts ...Option) *Device {
	t.Helper()
	base := []Option{
		WithLinkWatcher(false),
		WithMEID(false),
		WithPollInterval(time.Millisecond),
		WithReadyTimeout(time.Second),
	}
	d := New(f, append(base, opts...)...)
	require.NoError(t, d.Register(context.Background()))
	t.Cleanup(func() { _ = d.Teardown() })
	return d
}

func newTestDevice(t *testing.T, opts ...Option) (*Device, *fakeTransport) {
	t.Helper()
	f := newFakeTransport()
	return startDevice(t, f, opts...), f
}

// addClient registers cid without an in-band allocation.
func addClient(t *testing.T, d *Device, cid uint16) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NoError(t, d.insert(cid))
}

// waitNotifies waits until cid has n pending notifications.
func waitNotifies(t *testing.T, d *Device, cid uint16, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, k, err := d.Pending(cid)
		return err == nil && k == n
	}, time.Second, time.Millisecond)
}

// hookRecorder counts hook invocations by outcome.
type hookRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *hookRecorder) hook(_ *Device, _ uint16, o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *hookRecorder) calls() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

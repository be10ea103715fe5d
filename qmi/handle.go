package qmi

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// Handle is one application's view of the device: a single client bound
// to a service, read and written as raw SDUs.
type Handle struct {
	d *Device

	mu      sync.Mutex
	cid     uint16
	svc     qmux.Service
	bound   bool
	binding bool
	closed  bool
}

// Open returns an unbound handle on d.
func Open(d *Device) (*Handle, error) {
	if !d.Valid() {
		return nil, pkg.ErrDeviceGone
	}
	pkg.LogDebug(pkg.ComponentHandle, "handle opened")
	return &Handle{d: d}, nil
}

// Bind allocates a client for svc. The control service cannot be bound.
// The handle stays usable while the allocation is in flight; a Close in
// that window releases the new client and Bind fails with ErrBadHandle.
func (h *Handle) Bind(ctx context.Context, svc qmux.Service) error {
	if svc == qmux.ServiceCTL {
		return fmt.Errorf("service %v: %w", svc, pkg.ErrInvalidParameter)
	}

	h.mu.Lock()
	switch {
	case h.closed:
		h.mu.Unlock()
		return pkg.ErrBadHandle
	case h.bound:
		h.mu.Unlock()
		return fmt.Errorf("bound to cid 0x%04X: %w", h.cid, pkg.ErrAlreadyBound)
	case h.binding:
		h.mu.Unlock()
		return fmt.Errorf("bind in progress: %w", pkg.ErrAlreadyBound)
	}
	h.binding = true
	h.mu.Unlock()

	cid, err := h.d.Allocate(ctx, svc)

	h.mu.Lock()
	h.binding = false
	closed := h.closed
	if err == nil && !closed {
		h.cid, h.svc, h.bound = cid, svc, true
	}
	h.mu.Unlock()

	switch {
	case err != nil:
		return err
	case closed:
		if rerr := h.d.Release(ctx, cid); rerr != nil && !errors.Is(rerr, pkg.ErrDeviceGone) {
			pkg.LogWarn(pkg.ComponentHandle, "release after close failed",
				"cid", cidAttr(cid), "error", rerr)
		}
		return pkg.ErrBadHandle
	}
	pkg.LogInfo(pkg.ComponentHandle, "handle bound", "service", svc, "cid", cidAttr(cid))
	return nil
}

// CID returns the bound client ID.
func (h *Handle) CID() (uint16, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client()
}

// Service returns the bound service.
func (h *Handle) Service() (qmux.Service, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.client(); err != nil {
		return 0, err
	}
	return h.svc, nil
}

// client returns the cid. h.mu must be held.
func (h *Handle) client() (uint16, error) {
	switch {
	case h.closed:
		return 0, pkg.ErrBadHandle
	case !h.bound:
		return 0, pkg.ErrNotBound
	}
	return h.cid, nil
}

// Read blocks for the next message on the bound client and copies its SDU
// into buf. A message larger than buf is consumed and ErrBufferTooSmall is
// returned.
func (h *Handle) Read(ctx context.Context, buf []byte) (int, error) {
	cid, err := h.CID()
	if err != nil {
		return 0, err
	}

	data, err := h.d.Read(ctx, cid, 0)
	if err != nil {
		return 0, err
	}
	if len(data) > len(buf) {
		pkg.LogWarn(pkg.ComponentHandle, "read buffer too small",
			"cid", cidAttr(cid), "need", len(data), "have", len(buf))
		return 0, fmt.Errorf("message is %d bytes: %w", len(data), pkg.ErrBufferTooSmall)
	}
	return copy(buf, data), nil
}

// Write sends sdu on the bound client. The QMUX header is added here.
func (h *Handle) Write(ctx context.Context, sdu []byte) (int, error) {
	cid, err := h.CID()
	if err != nil {
		return 0, err
	}
	if len(sdu) == 0 {
		return 0, pkg.ErrInvalidParameter
	}
	if err := h.d.Write(ctx, cid, sdu); err != nil {
		return 0, err
	}
	return len(sdu), nil
}

// VIDPID returns the USB vendor and product IDs as vid<<16 | pid.
func (h *Handle) VIDPID() (uint32, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	id, ok := h.d.Identity()
	if !ok {
		return 0, pkg.ErrNotSupported
	}
	return id.VIDPID(), nil
}

// MEID returns the modem's 14-byte MEID.
func (h *Handle) MEID() ([]byte, error) {
	if err := h.check(); err != nil {
		return nil, err
	}
	meid := []byte(h.d.MEID())
	out := make([]byte, qmux.MEIDLength)
	copy(out, meid)
	return out, nil
}

func (h *Handle) check() error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return pkg.ErrBadHandle
	}
	if !h.d.Valid() {
		return pkg.ErrDeviceGone
	}
	return nil
}

// Close releases the bound client, if any. Pending reads on the handle
// fail with ErrClientReleased.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pkg.ErrBadHandle
	}
	h.closed = true
	cid, bound := h.cid, h.bound
	h.mu.Unlock()

	if !bound {
		return nil
	}
	// Teardown has already removed the client on a gone device.
	if err := h.d.Release(ctx, cid); err != nil && !errors.Is(err, pkg.ErrDeviceGone) {
		return err
	}
	pkg.LogDebug(pkg.ComponentHandle, "handle closed", "cid", cidAttr(cid))
	return nil
}

//go:build linux

package linux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
)

// =============================================================================
// ControlHAL Implementation
// =============================================================================

// HAL implements hal.ControlHAL for one claimed interface of a usbfs device.
type HAL struct {
	fd       int
	identity hal.Identity
	path     string

	// Transfers hold the read lock; Close takes the write lock so the
	// descriptor is never closed under an in-flight ioctl.
	mu     sync.RWMutex
	closed bool

	transferTimeout time.Duration
	reattach        bool
}

// Option configures a HAL.
type Option func(*HAL)

// WithTransferTimeout sets the timeout for a single control transfer.
func WithTransferTimeout(d time.Duration) Option {
	return func(h *HAL) {
		if d > 0 {
			h.transferTimeout = d
		}
	}
}

// WithReattach controls whether the kernel driver is re-probed on Close.
// Defaults to true.
func WithReattach(reattach bool) Option {
	return func(h *HAL) { h.reattach = reattach }
}

// Open locates the device, detaches its kernel driver and claims the
// selected interface.
func Open(sel Selector, opts ...Option) (*HAL, error) {
	info, err := findDevice(sel)
	if err != nil {
		return nil, fmt.Errorf("find device: %w", mapErrno(err))
	}

	ep := sel.InterruptEndpoint
	if ep == 0 {
		ep, err = findInterruptEndpoint(info, sel.Interface)
		if err != nil {
			return nil, fmt.Errorf("find notification endpoint: %w", err)
		}
	}

	fd, err := unix.Open(info.devfsPath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", info.devfsPath, mapErrno(err))
	}

	if err := disconnectAndClaim(fd, sel.Interface); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("claim interface %d: %w", sel.Interface, mapErrno(err))
	}

	h := &HAL{
		fd:   fd,
		path: info.devfsPath,
		identity: hal.Identity{
			VendorID:          info.vendorID,
			ProductID:         info.productID,
			Interface:         sel.Interface,
			InterruptEndpoint: ep,
			Speed:             info.speed,
		},
		transferTimeout: DefaultTransferTimeout,
		reattach:        true,
	}
	for _, opt := range opts {
		opt(h)
	}

	pkg.LogInfo(pkg.ComponentHAL, "interface claimed",
		"path", h.path,
		"vendor", fmt.Sprintf("%04x", info.vendorID),
		"product", fmt.Sprintf("%04x", info.productID),
		"interface", sel.Interface,
		"endpoint", fmt.Sprintf("0x%02x", ep),
		"speed", info.speed)
	return h, nil
}

// Identity returns the identity of the claimed interface.
func (h *HAL) Identity() hal.Identity {
	return h.identity
}

// ControlTransfer performs a control transfer on endpoint zero.
func (h *HAL) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(data) > MaxControlTransferSize {
		return 0, pkg.ErrBufferTooSmall
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0, pkg.ErrNoDevice
	}

	timeout := h.transferTimeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, context.DeadlineExceeded
	}

	n, err := doControlTransfer(h.fd, setup.RequestType, setup.Request,
		setup.Value, setup.Index, data[:min(len(data), int(setup.Length))], timeout)
	if err != nil {
		return 0, mapErrno(err)
	}
	return n, nil
}

// InterruptTransfer blocks until the endpoint delivers a packet or ctx is
// cancelled.
func (h *HAL) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		h.mu.RLock()
		if h.closed {
			h.mu.RUnlock()
			return 0, pkg.ErrNoDevice
		}
		n, err := doInterruptTransfer(h.fd, endpoint, data, interruptSlice)
		h.mu.RUnlock()

		if err == nil {
			return n, nil
		}
		if !isTimeout(err) {
			return 0, mapErrno(err)
		}
	}
}

// Close releases the interface, optionally re-attaches the kernel driver and
// closes the device node.
func (h *HAL) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	iface := h.identity.Interface
	if err := releaseInterface(h.fd, iface); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "release interface failed",
			"interface", iface, "error", err)
	}
	if h.reattach {
		if err := connectDriver(h.fd, iface); err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "driver re-attach failed",
				"interface", iface, "error", err)
		}
	}

	pkg.LogInfo(pkg.ComponentHAL, "interface released", "path", h.path)
	return unix.Close(h.fd)
}

var _ hal.ControlHAL = (*HAL)(nil)

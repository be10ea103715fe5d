//go:build linux

package linux

import (
	"errors"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ardnew/softqmi/pkg"
)

// =============================================================================
// Kernel Structures
// =============================================================================

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32 // milliseconds
	data        uintptr
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32 // milliseconds
	data     uintptr
}

// usbIoctl matches struct usbdevfs_ioctl.
type usbIoctl struct {
	ifno      int32
	ioctlCode int32
	data      uintptr
}

// disconnectClaim matches struct usbdevfs_disconnect_claim.
type disconnectClaim struct {
	iface  uint32
	flags  uint32
	driver [256]byte
}

// =============================================================================
// Syscall Wrappers
// =============================================================================

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

func millis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	return uint32(d / time.Millisecond)
}

// doControlTransfer performs a synchronous control transfer.
func doControlTransfer(fd int, reqType, req uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	ctrl := ctrlTransfer{
		requestType: reqType,
		request:     req,
		value:       value,
		index:       index,
		length:      uint16(len(data)),
		timeout:     millis(timeout),
	}
	if len(data) > 0 {
		ctrl.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, ioctlControl, unsafe.Pointer(&ctrl))
	runtime.KeepAlive(data)
	return n, err
}

// doInterruptTransfer reads from an interrupt endpoint through USBDEVFS_BULK.
func doInterruptTransfer(fd int, endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	bulk := bulkTransfer{
		endpoint: uint32(endpoint),
		length:   uint32(len(data)),
		timeout:  millis(timeout),
	}
	if len(data) > 0 {
		bulk.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(fd, ioctlBulk, unsafe.Pointer(&bulk))
	runtime.KeepAlive(data)
	return n, err
}

// disconnectAndClaim detaches any kernel driver and claims the interface.
func disconnectAndClaim(fd int, iface uint8) error {
	dc := disconnectClaim{iface: uint32(iface)}
	_, err := ioctl(fd, ioctlDisconnectClaim, unsafe.Pointer(&dc))
	return err
}

// releaseInterface releases a previously claimed interface.
func releaseInterface(fd int, iface uint8) error {
	n := uint32(iface)
	_, err := ioctl(fd, ioctlReleaseIface, unsafe.Pointer(&n))
	return err
}

// connectDriver asks the kernel to re-probe drivers for the interface.
func connectDriver(fd int, iface uint8) error {
	req := usbIoctl{ifno: int32(iface), ioctlCode: int32(ioctlConnect)}
	_, err := ioctl(fd, ioctlIoctl, unsafe.Pointer(&req))
	return err
}

// =============================================================================
// Error Mapping
// =============================================================================

// mapErrno converts usbfs errno values to stack errors.
func mapErrno(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.ENODEV, unix.ENOENT, unix.ESHUTDOWN:
		return errors.Join(pkg.ErrNoDevice, err)
	case unix.EPIPE:
		return errors.Join(pkg.ErrStall, err)
	case unix.EOVERFLOW:
		return errors.Join(pkg.ErrOverrun, err)
	case unix.ENOMEM:
		return errors.Join(pkg.ErrNoMemory, err)
	}
	return err
}

func isTimeout(err error) bool {
	return errors.Is(err, unix.ETIMEDOUT)
}

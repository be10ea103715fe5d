//go:build linux

package linux

import (
	"time"
	"unsafe"
)

// =============================================================================
// System Paths
// =============================================================================

// SysfsUSBPath is the base path for USB devices in sysfs.
var SysfsUSBPath = "/sys/bus/usb/devices"

// DevfsUSBPath is the base path for USB device nodes.
var DevfsUSBPath = "/dev/bus/usb"

// =============================================================================
// Transfer Configuration
// =============================================================================

// DefaultTransferTimeout bounds a single control transfer.
const DefaultTransferTimeout = 5 * time.Second

// interruptSlice bounds a single interrupt read so that context cancellation
// and Close are observed promptly.
const interruptSlice = 250 * time.Millisecond

// MaxControlTransferSize is the maximum size for control transfer data phase.
const MaxControlTransferSize = 4096

// =============================================================================
// USBDEVFS ioctl Numbers
// =============================================================================

// Generic _IOC encoding, shared by amd64, 386, arm, arm64 and riscv64.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	usbdevfsType = 'U'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | usbdevfsType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

var (
	ioctlControl         = ioc(iocRead|iocWrite, 0, unsafe.Sizeof(ctrlTransfer{}))
	ioctlBulk            = ioc(iocRead|iocWrite, 2, unsafe.Sizeof(bulkTransfer{}))
	ioctlReleaseIface    = ioc(iocRead, 16, unsafe.Sizeof(uint32(0)))
	ioctlIoctl           = ioc(iocRead|iocWrite, 18, unsafe.Sizeof(usbIoctl{}))
	ioctlConnect         = ioc(iocNone, 23, 0)
	ioctlDisconnectClaim = ioc(iocRead, 27, unsafe.Sizeof(disconnectClaim{}))
)

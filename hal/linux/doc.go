// Package linux provides a [hal.ControlHAL] implementation for Linux using
// usbfs.
//
// The modem is located through sysfs (/sys/bus/usb/devices/) by bus and
// device number or by vendor and product ID, and its QMI control interface is
// claimed through the device node in /dev/bus/usb/. Any kernel driver bound
// to the interface (typically qmi_wwan or GobiNet) is detached atomically
// while claiming and re-attached on Close.
//
// # Requirements
//
// The user running the daemon needs read/write access to the device node,
// either as root or through a udev rule such as:
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="22b8", ATTR{idProduct}=="2a70", MODE="0660", GROUP="dialout"
//
// # Transfers
//
// Control transfers use USBDEVFS_CONTROL. Interrupt reads use USBDEVFS_BULK,
// which the kernel routes to an interrupt pipe for interrupt endpoints. Both
// are synchronous ioctls bounded by a transfer timeout; blocking reads are
// repeated until the caller's context is cancelled.
package linux

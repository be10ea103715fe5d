// Package hal defines the Hardware Abstraction Layer used to reach a QMI
// modem's USB control channel.
//
// A QMI modem exposes its control plane as a CDC encapsulated-command
// channel: requests are written with class control transfers on endpoint
// zero, and the device announces pending responses through an interrupt IN
// endpoint. The [ControlHAL] interface is therefore limited to exactly those
// two transfer kinds plus identity and lifecycle. Enumeration and descriptor
// negotiation are left to the operating system.
//
// # Implementations
//
//   - [github.com/ardnew/softqmi/hal/linux] talks to usbfs (/dev/bus/usb)
//   - [github.com/ardnew/softqmi/internal/modemsim] simulates a modem for
//     tests and for running the daemon without hardware
//
// # Example
//
//	h, err := linux.Open(linux.Selector{VendorID: 0x22b8, ProductID: 0x2a70, Interface: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Close()
//	t := cdc.New(h)
package hal

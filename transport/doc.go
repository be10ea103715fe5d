// Package transport defines the byte transport consumed by the QMI core.
//
// A transport moves whole QMUX frames: Write blocks until the frame has been
// accepted by the device, and inbound frames are pushed to a [Handler] from a
// single reader goroutine started by Start. Link-level events (for example a
// CDC CONNECTION_SPEED_CHANGE notification) are reported through the same
// handler.
//
// The only production implementation is [github.com/ardnew/softqmi/transport/cdc].
package transport

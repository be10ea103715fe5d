package hal

import (
	"context"
	"time"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// InterruptInterval returns the polling interval, in frames, used for the
// notification endpoint at this speed.
func (s Speed) InterruptInterval() int {
	if s == SpeedHigh {
		return 7
	}
	return 3
}

// PollPeriod converts InterruptInterval to wall time. High speed intervals
// are exponents over 125us microframes; slower buses count 1ms frames.
func (s Speed) PollPeriod() time.Duration {
	n := s.InterruptInterval()
	if s == SpeedHigh {
		return time.Duration(1<<(n-1)) * 125 * time.Microsecond
	}
	return time.Duration(n) * time.Millisecond
}

// SetupPacket represents a USB SETUP packet.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index (interface number for CDC)
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Request type bits.
const (
	RequestDirectionIn = 0x80
	RequestTypeClass   = 0x20
	RecipientInterface = 0x01
)

// IsIn reports whether the data phase flows from device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestDirectionIn != 0
}

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// Identity describes the claimed control interface of a modem.
type Identity struct {
	VendorID          uint16 // idVendor
	ProductID         uint16 // idProduct
	Interface         uint8  // bInterfaceNumber of the QMI control interface
	InterruptEndpoint uint8  // Notification endpoint address (IN)
	Speed             Speed  // Connection speed
}

// VIDPID packs the vendor and product IDs as vid<<16 | pid.
func (id Identity) VIDPID() uint32 {
	return uint32(id.VendorID)<<16 | uint32(id.ProductID)
}

// ControlHAL is the hardware interface consumed by the CDC transport.
//
// Implementations must be safe for concurrent use: a reader goroutine blocks
// in InterruptTransfer while writers issue ControlTransfer calls.
type ControlHAL interface {
	// Identity returns the identity of the claimed interface.
	Identity() Identity

	// ControlTransfer performs a control transfer on endpoint zero.
	// For OUT transfers, data contains the data to send.
	// For IN transfers, data is filled with received data.
	// Returns the number of bytes transferred in the data phase.
	ControlTransfer(ctx context.Context, setup *SetupPacket, data []byte) (int, error)

	// InterruptTransfer reads one packet from an interrupt IN endpoint.
	// It blocks until data arrives, the context is cancelled, or the
	// implementation's transfer timeout elapses.
	InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error)

	// Close releases the interface and all resources. Blocked transfers
	// return with an error.
	Close() error
}

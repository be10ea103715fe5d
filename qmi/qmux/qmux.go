package qmux

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
)

// QMUX header constants.
const (
	IfTypeQMUX = 0x01 // I/F type byte of every QMUX frame
	HeaderSize = 6    // Size of the QMUX header in bytes

	// FlagService marks a frame sent by the modem.
	FlagService = 0x80

	// ClientBroadcast is the client number of indications delivered to
	// every client of a service.
	ClientBroadcast = 0xFF
)

// CIDControl is the well-known control client (service CTL, client 0).
const CIDControl uint16 = 0

// CID packs a service and client number into a client ID.
func CID(svc Service, client uint8) uint16 {
	return uint16(svc) | uint16(client)<<8
}

// SplitCID unpacks a client ID.
func SplitCID(cid uint16) (Service, uint8) {
	return Service(cid), uint8(cid >> 8)
}

// IsBroadcast reports whether cid addresses every client of its service.
func IsBroadcast(cid uint16) bool {
	return cid>>8 == ClientBroadcast
}

// Header is the QMUX header.
type Header struct {
	Length  uint16  // Bytes following the I/F type byte
	Flags   uint8   // Sender flags
	Service Service // QMI service
	Client  uint8   // Client number
}

// CID returns the client ID addressed by the header.
func (h *Header) CID() uint16 {
	return CID(h.Service, h.Client)
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written (6), or 0 if buf is too small.
func (h *Header) MarshalTo(buf []byte) int {
	if len(buf) < HeaderSize {
		return 0
	}
	buf[0] = IfTypeQMUX
	binary.LittleEndian.PutUint16(buf[1:3], h.Length)
	buf[3] = h.Flags
	buf[4] = byte(h.Service)
	buf[5] = h.Client
	return HeaderSize
}

// ParseHeader parses a QMUX header and checks it against the frame length.
func ParseHeader(frame []byte, out *Header) error {
	if len(frame) < HeaderSize {
		return fmt.Errorf("qmux header: %d bytes: %w", len(frame), pkg.ErrMalformed)
	}
	if frame[0] != IfTypeQMUX {
		return fmt.Errorf("qmux header: I/F type 0x%02X: %w", frame[0], pkg.ErrMalformed)
	}
	out.Length = binary.LittleEndian.Uint16(frame[1:3])
	out.Flags = frame[3]
	out.Service = Service(frame[4])
	out.Client = frame[5]
	if int(out.Length)+1 > len(frame) || out.Length < HeaderSize-1 {
		return fmt.Errorf("qmux header: length %d for %d-byte frame: %w",
			out.Length, len(frame), pkg.ErrMalformed)
	}
	return nil
}

// Split parses the QMUX header of frame and returns the SDU it carries.
// Trailing bytes beyond the header length are ignored.
func Split(frame []byte) (Header, []byte, error) {
	var h Header
	if err := ParseHeader(frame, &h); err != nil {
		return h, nil, err
	}
	return h, frame[HeaderSize : int(h.Length)+1], nil
}

// Frame prepends a control-point QMUX header addressed to cid.
func Frame(cid uint16, sdu []byte) []byte {
	svc, client := SplitCID(cid)
	h := Header{
		Length:  uint16(HeaderSize - 1 + len(sdu)),
		Service: svc,
		Client:  client,
	}
	buf := make([]byte, HeaderSize+len(sdu))
	h.MarshalTo(buf)
	copy(buf[HeaderSize:], sdu)
	return buf
}

// ServiceFrame is Frame with FlagService set, as sent by the modem.
func ServiceFrame(cid uint16, sdu []byte) []byte {
	buf := Frame(cid, sdu)
	buf[3] = FlagService
	return buf
}

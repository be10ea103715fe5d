package qmux

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
)

// MessageType distinguishes requests, responses and indications.
type MessageType uint8

// Message types.
const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeIndication
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeIndication:
		return "indication"
	default:
		return "unknown"
	}
}

// SDU header flags. CTL and the other services encode the message type
// differently.
const (
	ctlFlagResponse   = 0x01
	ctlFlagIndication = 0x02

	svcFlagResponse   = 0x02
	svcFlagIndication = 0x04
)

// SDU header sizes.
const (
	CTLHeaderSize     = 6 // flags, tid:8, msgid:16, tlvlen:16
	ServiceHeaderSize = 7 // flags, tid:16, msgid:16, tlvlen:16
)

// SDU is one QMI service message.
type SDU struct {
	Type    MessageType
	TID     uint16
	Message uint16
	TLVs    []byte
}

// HeaderSizeFor returns the SDU header size for svc.
func HeaderSizeFor(svc Service) int {
	if svc == ServiceCTL {
		return CTLHeaderSize
	}
	return ServiceHeaderSize
}

// TID extracts the transaction ID from a raw SDU without decoding the rest.
func TID(svc Service, sdu []byte) (uint16, error) {
	if svc == ServiceCTL {
		if len(sdu) < 2 {
			return 0, fmt.Errorf("ctl sdu: %d bytes: %w", len(sdu), pkg.ErrMalformed)
		}
		return uint16(sdu[1]), nil
	}
	if len(sdu) < 3 {
		return 0, fmt.Errorf("service sdu: %d bytes: %w", len(sdu), pkg.ErrMalformed)
	}
	return binary.LittleEndian.Uint16(sdu[1:3]), nil
}

// ParseSDU decodes a raw SDU for service svc.
func ParseSDU(svc Service, b []byte, out *SDU) error {
	size := HeaderSizeFor(svc)
	if len(b) < size {
		return fmt.Errorf("%v sdu: %d bytes: %w", svc, len(b), pkg.ErrMalformed)
	}

	flags := b[0]
	var off int
	if svc == ServiceCTL {
		out.TID = uint16(b[1])
		off = 2
		switch {
		case flags&ctlFlagIndication != 0:
			out.Type = TypeIndication
		case flags&ctlFlagResponse != 0:
			out.Type = TypeResponse
		default:
			out.Type = TypeRequest
		}
	} else {
		out.TID = binary.LittleEndian.Uint16(b[1:3])
		off = 3
		switch {
		case flags&svcFlagIndication != 0:
			out.Type = TypeIndication
		case flags&svcFlagResponse != 0:
			out.Type = TypeResponse
		default:
			out.Type = TypeRequest
		}
	}
	out.Message = binary.LittleEndian.Uint16(b[off : off+2])
	tlvLen := int(binary.LittleEndian.Uint16(b[off+2 : off+4]))
	if size+tlvLen > len(b) {
		return fmt.Errorf("%v sdu: tlv length %d exceeds %d: %w",
			svc, tlvLen, len(b)-size, pkg.ErrMalformed)
	}
	out.TLVs = b[size : size+tlvLen]
	return nil
}

// Marshal encodes the SDU for service svc.
func (s *SDU) Marshal(svc Service) []byte {
	size := HeaderSizeFor(svc)
	buf := make([]byte, size+len(s.TLVs))

	var off int
	if svc == ServiceCTL {
		switch s.Type {
		case TypeResponse:
			buf[0] = ctlFlagResponse
		case TypeIndication:
			buf[0] = ctlFlagIndication
		}
		buf[1] = byte(s.TID)
		off = 2
	} else {
		switch s.Type {
		case TypeResponse:
			buf[0] = svcFlagResponse
		case TypeIndication:
			buf[0] = svcFlagIndication
		}
		binary.LittleEndian.PutUint16(buf[1:3], s.TID)
		off = 3
	}
	binary.LittleEndian.PutUint16(buf[off:off+2], s.Message)
	binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(len(s.TLVs)))
	copy(buf[size:], s.TLVs)
	return buf
}

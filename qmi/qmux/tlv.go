package qmux

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
)

// TLV header size: type:8, length:16.
const TLVHeaderSize = 3

// TLVResult is the mandatory result TLV of every response.
const TLVResult = 0x02

// QMI result codes.
const (
	ResultSuccess = 0
	ResultFailure = 1
)

// TLV is one type-length-value element.
type TLV struct {
	Type  uint8
	Value []byte
}

// AppendTLV appends one encoded TLV to b.
func AppendTLV(b []byte, typ uint8, value []byte) []byte {
	b = append(b, typ, 0, 0)
	binary.LittleEndian.PutUint16(b[len(b)-2:], uint16(len(value)))
	return append(b, value...)
}

// ParseTLVs splits an encoded TLV block. Values alias tlvs.
func ParseTLVs(tlvs []byte) ([]TLV, error) {
	var out []TLV
	for i := 0; i < len(tlvs); {
		if len(tlvs)-i < TLVHeaderSize {
			return out, fmt.Errorf("tlv header at %d: %w", i, pkg.ErrMalformed)
		}
		typ := tlvs[i]
		n := int(binary.LittleEndian.Uint16(tlvs[i+1:]))
		i += TLVHeaderSize
		if len(tlvs)-i < n {
			return out, fmt.Errorf("tlv 0x%02X: length %d exceeds %d: %w",
				typ, n, len(tlvs)-i, pkg.ErrMalformed)
		}
		out = append(out, TLV{Type: typ, Value: tlvs[i : i+n]})
		i += n
	}
	return out, nil
}

// FindTLV returns the value of the first TLV of type typ.
func FindTLV(tlvs []byte, typ uint8) ([]byte, bool) {
	for i := 0; i+TLVHeaderSize <= len(tlvs); {
		t := tlvs[i]
		n := int(binary.LittleEndian.Uint16(tlvs[i+1:]))
		i += TLVHeaderSize
		if len(tlvs)-i < n {
			break
		}
		if t == typ {
			return tlvs[i : i+n], true
		}
		i += n
	}
	return nil, false
}

// ResultTLV encodes a result TLV value.
func ResultTLV(result, code uint16) []byte {
	v := make([]byte, 4)
	binary.LittleEndian.PutUint16(v[0:2], result)
	binary.LittleEndian.PutUint16(v[2:4], code)
	return v
}

// CheckResult decodes the result TLV. A failed result is returned as a
// *pkg.QMIError; a missing or short TLV is ErrMalformed.
func CheckResult(tlvs []byte) error {
	v, ok := FindTLV(tlvs, TLVResult)
	if !ok || len(v) < 4 {
		return fmt.Errorf("result tlv missing: %w", pkg.ErrMalformed)
	}
	result := binary.LittleEndian.Uint16(v[0:2])
	code := binary.LittleEndian.Uint16(v[2:4])
	if result != ResultSuccess {
		return &pkg.QMIError{Result: result, Code: code}
	}
	return nil
}

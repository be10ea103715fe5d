package thin

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ardnew/softqmi/pkg"
)

const (
	framePrefixLen = 4

	// MaxFrameSize bounds the CBOR body of one frame.
	MaxFrameSize = 1 << 16
)

// WriteFrame encodes v as CBOR behind a big-endian u32 length prefix.
func WriteFrame(w io.Writer, v any) error {
	blob, err := cbor.Marshal(v)
	if err != nil {
		return err
	}
	if len(blob) > MaxFrameSize {
		return fmt.Errorf("frame is %d bytes: %w", len(blob), pkg.ErrInvalidParameter)
	}

	toSend := make([]byte, framePrefixLen, framePrefixLen+len(blob))
	binary.BigEndian.PutUint32(toSend, uint32(len(blob)))
	toSend = append(toSend, blob...)
	count, err := w.Write(toSend)
	if err != nil {
		return err
	}
	if count != len(toSend) {
		return fmt.Errorf("send error: short write: %d != %d", count, len(toSend))
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var prefix [framePrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return fmt.Errorf("frame length %d: %w", n, pkg.ErrMalformed)
	}
	message := make([]byte, n)
	if _, err := io.ReadFull(r, message); err != nil {
		return err
	}
	if err := cbor.Unmarshal(message, v); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrMalformed, err)
	}
	return nil
}

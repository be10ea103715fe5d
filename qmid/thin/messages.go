package thin

import (
	"errors"

	"github.com/ardnew/softqmi/pkg"
)

// Bind allocates a client for Service on the connection's handle.
type Bind struct {
	Service uint8
}

// Write sends Payload, a complete SDU, on the bound client.
type Write struct {
	Payload []byte
}

// Read waits for the next message on the bound client. MaxSize bounds the
// SDU returned; zero selects the daemon default.
type Read struct {
	MaxSize int
}

// Identity asks for the modem's USB IDs and MEID.
type Identity struct{}

// Close releases the handle and ends the connection.
type Close struct{}

// Request is sent from the thin client to the daemon. Exactly one field
// is set.
type Request struct {
	Bind     *Bind     `cbor:",omitempty"`
	Write    *Write    `cbor:",omitempty"`
	Read     *Read     `cbor:",omitempty"`
	Identity *Identity `cbor:",omitempty"`
	Close    *Close    `cbor:",omitempty"`
}

// Kind names the request for logging.
func (r *Request) Kind() string {
	switch {
	case r.Bind != nil:
		return "bind"
	case r.Write != nil:
		return "write"
	case r.Read != nil:
		return "read"
	case r.Identity != nil:
		return "identity"
	case r.Close != nil:
		return "close"
	}
	return "empty"
}

// Valid reports whether exactly one request field is set.
func (r *Request) Valid() bool {
	n := 0
	for _, set := range []bool{r.Bind != nil, r.Write != nil, r.Read != nil, r.Identity != nil, r.Close != nil} {
		if set {
			n++
		}
	}
	return n == 1
}

// BindReply carries the allocated client ID.
type BindReply struct {
	CID uint16
}

// WriteReply carries the number of SDU bytes sent.
type WriteReply struct {
	N int
}

// ReadReply carries one inbound SDU.
type ReadReply struct {
	Payload []byte
}

// IdentityReply carries the modem identity.
type IdentityReply struct {
	// VIDPID is vid<<16 | pid, zero when the transport has no USB identity.
	VIDPID uint32
	MEID   string
}

// Response is sent from the daemon for each Request. Err is empty on
// success, in which case the reply matching the request is set.
type Response struct {
	Err     string `cbor:",omitempty"`
	ErrCode uint8  `cbor:",omitempty"`

	Bind     *BindReply     `cbor:",omitempty"`
	Write    *WriteReply    `cbor:",omitempty"`
	Read     *ReadReply     `cbor:",omitempty"`
	Identity *IdentityReply `cbor:",omitempty"`
}

// Error codes carried in Response.ErrCode. ErrCodeOther means the error
// has no stable identity and only Err is meaningful.
const (
	ErrCodeNone uint8 = iota
	ErrCodeOther
	ErrCodeDeviceGone
	ErrCodeNotFound
	ErrCodeNoMemory
	ErrCodeTransportFailure
	ErrCodeTimeout
	ErrCodeInterrupted
	ErrCodeBadHandle
	ErrCodeNotBound
	ErrCodeAlreadyBound
	ErrCodeInvalidParameter
	ErrCodeBufferTooSmall
	ErrCodeNotSupported
	ErrCodeProtocol
)

var codeErrors = map[uint8]error{
	ErrCodeDeviceGone:       pkg.ErrDeviceGone,
	ErrCodeNotFound:         pkg.ErrNotFound,
	ErrCodeNoMemory:         pkg.ErrNoMemory,
	ErrCodeTransportFailure: pkg.ErrTransportFailure,
	ErrCodeTimeout:          pkg.ErrTimeout,
	ErrCodeInterrupted:      pkg.ErrInterrupted,
	ErrCodeBadHandle:        pkg.ErrBadHandle,
	ErrCodeNotBound:         pkg.ErrNotBound,
	ErrCodeAlreadyBound:     pkg.ErrAlreadyBound,
	ErrCodeInvalidParameter: pkg.ErrInvalidParameter,
	ErrCodeBufferTooSmall:   pkg.ErrBufferTooSmall,
	ErrCodeNotSupported:     pkg.ErrNotSupported,
	ErrCodeProtocol:         pkg.ErrProtocol,
}

// ErrorCode classifies err for the wire.
func ErrorCode(err error) uint8 {
	if err == nil {
		return ErrCodeNone
	}
	// DeviceGone first: teardown errors often wrap other sentinels too.
	for _, code := range []uint8{
		ErrCodeDeviceGone, ErrCodeBadHandle, ErrCodeNotBound, ErrCodeAlreadyBound,
		ErrCodeBufferTooSmall, ErrCodeInvalidParameter, ErrCodeNotSupported,
		ErrCodeTimeout, ErrCodeInterrupted, ErrCodeNoMemory, ErrCodeTransportFailure,
		ErrCodeProtocol, ErrCodeNotFound,
	} {
		if errors.Is(err, codeErrors[code]) {
			return code
		}
	}
	return ErrCodeOther
}

// NewErrorResponse encodes err into a Response.
func NewErrorResponse(err error) *Response {
	return &Response{Err: err.Error(), ErrCode: ErrorCode(err)}
}

// RemoteError is an error reported by the daemon.
type RemoteError struct {
	Code    uint8
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return "qmid: " + e.Message
}

// Unwrap returns the sentinel matching Code, if any.
func (e *RemoteError) Unwrap() error {
	return codeErrors[e.Code]
}

// toError returns nil for a successful response.
func (r *Response) toError() error {
	if r.Err == "" && r.ErrCode == ErrCodeNone {
		return nil
	}
	return &RemoteError{Code: r.ErrCode, Message: r.Err}
}

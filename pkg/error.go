package pkg

import (
	"errors"
	"fmt"
)

// QMI client layer errors.
var (
	// ErrDeviceGone indicates the device has been invalidated. Every
	// operation on the device fails with this error once it is returned.
	ErrDeviceGone = errors.New("device gone")

	// ErrNotFound indicates an unknown client ID.
	ErrNotFound = errors.New("client not found")

	// ErrNoMemory indicates an allocation could not be satisfied.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrTransportFailure indicates the transport failed to complete a write
	// or a read.
	ErrTransportFailure = errors.New("transport failure")

	// ErrTimeout indicates the control service did not answer within the
	// configured budget.
	ErrTimeout = errors.New("timeout")

	// ErrInterrupted indicates a blocking wait was cancelled.
	ErrInterrupted = errors.New("interrupted")

	// ErrDuplicateClient indicates the client ID is already registered.
	ErrDuplicateClient = errors.New("duplicate client")

	// ErrClientReleased indicates the client was released while a caller was
	// waiting on it.
	ErrClientReleased = fmt.Errorf("client released: %w", ErrNotFound)

	// ErrNoMessage indicates no queued message matched a non-blocking take.
	ErrNoMessage = errors.New("no matching message")

	// ErrMalformed indicates a frame or TLV that could not be parsed.
	ErrMalformed = errors.New("malformed message")

	// ErrProtocol indicates the remote service rejected a request.
	ErrProtocol = errors.New("protocol error")
)

// Handle errors.
var (
	// ErrBadHandle indicates a closed or uninitialized handle.
	ErrBadHandle = errors.New("bad handle")

	// ErrNotBound indicates the handle has no service client yet.
	ErrNotBound = errors.New("handle not bound to a service")

	// ErrAlreadyBound indicates the handle is already bound to a service.
	ErrAlreadyBound = errors.New("handle already bound")
)

// Generic errors.
var (
	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the component is not running.
	ErrNotRunning = errors.New("not running")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")
)

// USB control channel errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")
)

// QMIError is the result TLV of a failed QMI response.
type QMIError struct {
	Result uint16 // QMI_RESULT_*, non-zero on failure
	Code   uint16 // QMI_ERR_*
}

// Error implements error.
func (e *QMIError) Error() string {
	return fmt.Sprintf("qmi result 0x%04X error 0x%04X", e.Result, e.Code)
}

// Is reports ErrProtocol as a match so callers can test the category.
func (e *QMIError) Is(target error) bool {
	return target == ErrProtocol
}

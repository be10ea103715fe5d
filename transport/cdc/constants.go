package cdc

import "time"

// Class request types for the control interface.
const (
	RequestTypeHostToInterface = 0x21 // OUT | Class | Interface
	RequestTypeInterfaceToHost = 0xA1 // IN | Class | Interface
)

// CDC Request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
)

// CDC Notification codes.
const (
	NotificationNetworkConnection     = 0x00
	NotificationResponseAvailable     = 0x01
	NotificationConnectionSpeedChange = 0x2A
)

// Notification packet sizes.
const (
	NotificationHeaderSize      = 8
	ResponseAvailableSize       = NotificationHeaderSize
	ConnectionSpeedChangeSize   = NotificationHeaderSize + 8
	MaxNotificationSize         = 64
	connectionSpeedChangeLength = 8
)

// DefaultReadSize is the buffer length requested with each
// GET_ENCAPSULATED_RESPONSE.
const DefaultReadSize = 4096

// MaxWriteSize bounds a single SEND_ENCAPSULATED_COMMAND payload.
const MaxWriteSize = 4096

// DefaultErrorBackoff is the minimum spacing between interrupt polls after
// a failed poll.
const DefaultErrorBackoff = 100 * time.Millisecond

// defaultErrorBurst is how many consecutive failures are retried without
// pacing.
const defaultErrorBurst = 3

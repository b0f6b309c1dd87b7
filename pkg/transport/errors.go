package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when an invalid peer address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrNoHandler is returned when no packet handler is configured.
	ErrNoHandler = errors.New("transport: no packet handler configured")

	// ErrAlreadyStarted is returned when Start is called on a running transport.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrPacketTooLarge is returned when a packet exceeds the maximum size.
	ErrPacketTooLarge = errors.New("transport: packet too large")

	// ErrQueueFull is returned when the writer queue cannot take another
	// packet. Droppable sends are silently discarded instead; reliable
	// senders are expected to resubmit.
	ErrQueueFull = errors.New("transport: send queue full")
)

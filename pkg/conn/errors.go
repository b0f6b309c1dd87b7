package conn

import "errors"

// Errors returned by the conn package.
var (
	// ErrClosed is returned when an operation is attempted on a closed
	// or errored connection.
	ErrClosed = errors.New("conn: connection closed")

	// ErrNotCommunicating is returned when application data is sent
	// before the handshake has completed.
	ErrNotCommunicating = errors.New("conn: handshake not complete")

	// ErrEmptyPayload is returned for zero-length sends; every payload
	// carries at least a tag byte.
	ErrEmptyPayload = errors.New("conn: empty payload")

	// ErrNoSender is returned when a connection is created without a
	// raw-bytes sender.
	ErrNoSender = errors.New("conn: no sender configured")
)

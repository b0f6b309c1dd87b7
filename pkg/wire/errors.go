package wire

import "errors"

// Errors returned by the wire package.
var (
	// ErrPacketTooShort is returned when a packet is smaller than the
	// minimum size for its type.
	ErrPacketTooShort = errors.New("wire: packet too short")

	// ErrPacketTooLong is returned when a packet exceeds MaxPacketSize.
	ErrPacketTooLong = errors.New("wire: packet too long")

	// ErrUnknownPacketType is returned for an unrecognized type byte.
	ErrUnknownPacketType = errors.New("wire: unknown packet type")

	// ErrCorruptData is returned when the compressed bit stream cannot be
	// decoded. Packet contents are attacker-controlled; a bounded number
	// of these is tolerated before the connection gives up.
	ErrCorruptData = errors.New("wire: corrupt compressed data")
)

// Package wire implements the packet framing used by the session transport:
// the 1-byte packet-type discriminant, the reliable / unreliable / keepalive
// header layouts, and the whole-packet Huffman compression pass.
//
// All multi-byte fields are little-endian on the wire.
package wire

import (
	"encoding/binary"
)

// PacketType is the 1-byte discriminant at the start of every packet.
type PacketType uint8

// Wire packet types. These are protocol constants; changing them breaks
// compatibility with existing peers.
const (
	PacketKeepalive         PacketType = 1
	PacketMessage           PacketType = 2
	PacketMessageUnreliable PacketType = 3
	PacketHandshake         PacketType = 4
	PacketHandshakeResponse PacketType = 5
	PacketDisconnect        PacketType = 6
)

// Application-level message tags carried as the first byte of a reassembled
// reliable payload. Values above TagNull belong to the session layer and are
// passed through unopened.
const (
	// TagMultipart marks a non-final fragment of an oversized payload.
	TagMultipart uint8 = 1

	// TagMultipartEnd marks the final fragment of an oversized payload.
	TagMultipartEnd uint8 = 2

	// TagNull is filler traffic with no application meaning.
	TagNull uint8 = 3
)

// Size constants.
const (
	// MaxPacketPayload is the largest payload that fits in a single
	// reliable or unreliable packet. Larger reliable payloads are split
	// into multipart fragments; larger unreliable payloads are dropped.
	MaxPacketPayload = 480

	// ReliableHeaderSize is type(1) + sequence(2) + ackNext(2) + ackBits(1).
	ReliableHeaderSize = 6

	// UnreliableHeaderSize adds the 2-byte unreliable sequence.
	UnreliableHeaderSize = 8

	// MinReliableSize is the smallest valid reliable packet: the header
	// plus a 1-byte payload (every payload starts with a tag byte).
	MinReliableSize = ReliableHeaderSize + 1

	// MinUnreliableSize is the smallest valid unreliable packet.
	MinUnreliableSize = UnreliableHeaderSize + 1

	// KeepaliveSize is the exact size of a keepalive packet:
	// type(1) + ackNext(2) + ackBits(1).
	KeepaliveSize = 4

	// MaxPacketSize is the largest packet the codec will produce or
	// accept after decompression.
	MaxPacketSize = UnreliableHeaderSize + MaxPacketPayload
)

// AckWindow is the acknowledgement state embedded in every outgoing packet:
// the next sequence number the sender expects from its peer, plus a bitmap
// of which of the 8 sequence numbers after that are already buffered.
type AckWindow struct {
	Next uint16
	Bits uint8
}

// Has reports whether the window covers seq: either implicitly (everything
// before Next) or via a set bitmap bit.
func (w AckWindow) Has(seq uint16) bool {
	d := seq - w.Next // wraps
	if d == 0 {
		return false
	}
	if d >= 1 && d <= 8 {
		return w.Bits&(1<<(d-1)) != 0
	}
	// Anything more than half the sequence space "ahead" is in the past.
	return d > 32768
}

// ReliablePacket is a sequenced, acknowledged, retransmitted message.
type ReliablePacket struct {
	Seq     uint16
	Ack     AckWindow
	Payload []byte
}

// Encode serializes the packet. The payload must not be empty and must not
// exceed MaxPacketPayload; callers enforce both before reaching the codec.
func (p *ReliablePacket) Encode() []byte {
	buf := make([]byte, ReliableHeaderSize+len(p.Payload))
	buf[0] = byte(PacketMessage)
	binary.LittleEndian.PutUint16(buf[1:], p.Seq)
	binary.LittleEndian.PutUint16(buf[3:], p.Ack.Next)
	buf[5] = p.Ack.Bits
	copy(buf[ReliableHeaderSize:], p.Payload)
	return buf
}

// DecodeReliable parses a reliable message packet. The type byte must
// already have been classified as PacketMessage.
func DecodeReliable(data []byte) (*ReliablePacket, error) {
	if len(data) < MinReliableSize {
		return nil, ErrPacketTooShort
	}
	p := &ReliablePacket{
		Seq: binary.LittleEndian.Uint16(data[1:]),
		Ack: AckWindow{
			Next: binary.LittleEndian.Uint16(data[3:]),
			Bits: data[5],
		},
	}
	p.Payload = make([]byte, len(data)-ReliableHeaderSize)
	copy(p.Payload, data[ReliableHeaderSize:])
	return p, nil
}

// UnreliablePacket is a fire-and-forget message. Seq is the sender's
// current reliable sequence position; UnreliableSeq orders unreliable
// packets within that position.
type UnreliablePacket struct {
	Seq           uint16
	UnreliableSeq uint16
	Ack           AckWindow
	Payload       []byte
}

// Encode serializes the packet.
func (p *UnreliablePacket) Encode() []byte {
	buf := make([]byte, UnreliableHeaderSize+len(p.Payload))
	buf[0] = byte(PacketMessageUnreliable)
	binary.LittleEndian.PutUint16(buf[1:], p.Seq)
	binary.LittleEndian.PutUint16(buf[3:], p.UnreliableSeq)
	binary.LittleEndian.PutUint16(buf[5:], p.Ack.Next)
	buf[7] = p.Ack.Bits
	copy(buf[UnreliableHeaderSize:], p.Payload)
	return buf
}

// DecodeUnreliable parses an unreliable message packet.
func DecodeUnreliable(data []byte) (*UnreliablePacket, error) {
	if len(data) < MinUnreliableSize {
		return nil, ErrPacketTooShort
	}
	p := &UnreliablePacket{
		Seq:           binary.LittleEndian.Uint16(data[1:]),
		UnreliableSeq: binary.LittleEndian.Uint16(data[3:]),
		Ack: AckWindow{
			Next: binary.LittleEndian.Uint16(data[5:]),
			Bits: data[7],
		},
	}
	p.Payload = make([]byte, len(data)-UnreliableHeaderSize)
	copy(p.Payload, data[UnreliableHeaderSize:])
	return p, nil
}

// EncodeKeepalive serializes a bare ack-carrying keepalive.
func EncodeKeepalive(ack AckWindow) []byte {
	buf := make([]byte, KeepaliveSize)
	buf[0] = byte(PacketKeepalive)
	binary.LittleEndian.PutUint16(buf[1:], ack.Next)
	buf[3] = ack.Bits
	return buf
}

// DecodeKeepalive parses a keepalive packet. Keepalives are fixed-size;
// anything else is malformed.
func DecodeKeepalive(data []byte) (AckWindow, error) {
	if len(data) != KeepaliveSize {
		return AckWindow{}, ErrPacketTooShort
	}
	return AckWindow{
		Next: binary.LittleEndian.Uint16(data[1:]),
		Bits: data[3],
	}, nil
}

// EncodeDisconnect serializes a disconnect notice.
func EncodeDisconnect() []byte {
	return []byte{byte(PacketDisconnect)}
}

// Classify returns the packet type of raw (decompressed) packet data.
func Classify(data []byte) (PacketType, error) {
	if len(data) < 1 {
		return 0, ErrPacketTooShort
	}
	t := PacketType(data[0])
	if t < PacketKeepalive || t > PacketDisconnect {
		return 0, ErrUnknownPacketType
	}
	return t, nil
}

// SeqDistance returns how far ahead b is of a in wrapped 16-bit sequence
// space. Values above 32768 mean b is actually behind a.
func SeqDistance(a, b uint16) uint16 {
	return b - a
}

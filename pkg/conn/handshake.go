package conn

import (
	"encoding/binary"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/netplaykit/netplay/pkg/wire"
)

// Protocol version negotiation bounds. The effective version of a channel
// is pinned to the lower of the two peers' declared versions; anything
// outside [ProtocolVersionMin, ProtocolVersionMax] is rejected outright.
const (
	ProtocolVersionMin uint16 = 31
	ProtocolVersionMax uint16 = 33

	// saltMinVersion is the first protocol version whose handshakes carry
	// a random salt, preventing handshake-response replay.
	saltMinVersion uint16 = 33

	handshakeSaltSize = 4

	// handshakeResendInterval is how often the client re-sends its
	// handshake until a response is seen.
	handshakeResendInterval = time.Second

	// maxIdentitySize bounds the identity payload; packet contents are
	// attacker-controlled.
	maxIdentitySize = 256
)

// PeerIdentity describes the remote peer as asserted during the handshake.
type PeerIdentity struct {
	// Payload is the raw identity payload the peer sent.
	Payload []byte

	// Hash is the hex digest of the identity payload and handshake salt.
	// Later authorization checks key on it.
	Hash string
}

// identityHash derives the peer-identity hash from the exchanged identity
// payload and per-handshake salt.
func identityHash(identity, salt []byte) string {
	h, _ := blake2b.New256(nil)
	h.Write(identity)
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}

// handshakePayload is the body of both handshake packet types:
//
//	type(1) | version(2, LE) | saltLen(1) | salt | idLen(2, LE) | identity
//
// The response echoes the initiator's salt.
type handshakePayload struct {
	Version  uint16
	Salt     []byte
	Identity []byte
}

func encodeHandshake(t wire.PacketType, p handshakePayload) []byte {
	buf := make([]byte, 0, 1+2+1+len(p.Salt)+2+len(p.Identity))
	buf = append(buf, byte(t))
	buf = binary.LittleEndian.AppendUint16(buf, p.Version)
	buf = append(buf, byte(len(p.Salt)))
	buf = append(buf, p.Salt...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Identity)))
	buf = append(buf, p.Identity...)
	return buf
}

// decodeHandshake parses a handshake body, bounds-checking every read.
func decodeHandshake(data []byte) (handshakePayload, error) {
	var p handshakePayload
	if len(data) < 1+2+1 {
		return p, wire.ErrPacketTooShort
	}
	off := 1
	p.Version = binary.LittleEndian.Uint16(data[off:])
	off += 2

	saltLen := int(data[off])
	off++
	if saltLen > handshakeSaltSize || len(data) < off+saltLen+2 {
		return p, wire.ErrPacketTooShort
	}
	p.Salt = append([]byte(nil), data[off:off+saltLen]...)
	off += saltLen

	idLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if idLen > maxIdentitySize || len(data) != off+idLen {
		return p, wire.ErrPacketTooShort
	}
	p.Identity = append([]byte(nil), data[off:off+idLen]...)
	return p, nil
}

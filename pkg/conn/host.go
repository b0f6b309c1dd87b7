package conn

import (
	"fmt"

	"github.com/netplaykit/netplay/pkg/wire"
)

// HostConn is the host side of a connection: it answers client handshakes
// and pins the effective protocol version to the lower of the two
// declarations. A host typically owns one HostConn per remote peer.
type HostConn struct {
	*Connection
}

// NewHost creates the host side of a connection to a single client.
func NewHost(cfg Config) (*HostConn, error) {
	hc := &HostConn{}
	c, err := newConnection(cfg, rolePolicy{
		name: "conn-host",
		// A host talks to many clients; their failures are not the
		// local user's problem.
		reportErrors: false,
		onHandshake:  hc.onHandshake,
	})
	if err != nil {
		return nil, err
	}
	hc.Connection = c
	return hc, nil
}

func (hc *HostConn) onHandshake(t wire.PacketType, data []byte) {
	if t != wire.PacketHandshake {
		// Hosts never receive handshake responses.
		return
	}
	p, err := decodeHandshake(data)
	if err != nil {
		hc.Error("malformed handshake from client")
		return
	}
	if p.Version < ProtocolVersionMin || p.Version > ProtocolVersionMax {
		hc.Error(fmt.Sprintf(
			"client protocol version %d is incompatible (supported %d-%d)",
			p.Version, ProtocolVersionMin, ProtocolVersionMax))
		return
	}

	// Always answer, even after negotiation: the client re-sends its
	// handshake until a response survives the trip. The salt is echoed
	// so the client can reject replayed responses.
	hc.writePacket(encodeHandshake(wire.PacketHandshakeResponse, handshakePayload{
		Version:  ProtocolVersionMax,
		Salt:     p.Salt,
		Identity: hc.cfg.Identity,
	}), false)

	// Effective version is the lower declaration; the gate above already
	// capped the client's at ProtocolVersionMax.
	hc.becomeCommunicating(p.Version, PeerIdentity{
		Payload: p.Identity,
		Hash:    identityHash(p.Identity, p.Salt),
	})
}

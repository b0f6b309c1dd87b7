package conn

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/netplaykit/netplay/pkg/wire"
)

// ClientConn is the client side of a connection: it initiates the
// handshake and keeps re-sending it until the host answers.
type ClientConn struct {
	*Connection

	salt          []byte
	lastHandshake time.Time
}

// NewClient creates the client side of a connection to a host.
func NewClient(cfg Config) (*ClientConn, error) {
	cc := &ClientConn{}

	salt := make([]byte, handshakeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	cc.salt = salt

	c, err := newConnection(cfg, rolePolicy{
		name:         "conn-client",
		reportErrors: true,
		onHandshake:  cc.onHandshake,
		update:       cc.update,
	})
	if err != nil {
		return nil, err
	}
	cc.Connection = c
	return cc, nil
}

// update re-sends the handshake every second until negotiation completes.
func (cc *ClientConn) update(now time.Time) {
	if cc.state != StateHandshaking {
		return
	}
	if !cc.lastHandshake.IsZero() && now.Sub(cc.lastHandshake) < handshakeResendInterval {
		return
	}
	cc.lastHandshake = now
	cc.writePacket(encodeHandshake(wire.PacketHandshake, handshakePayload{
		Version:  ProtocolVersionMax,
		Salt:     cc.salt,
		Identity: cc.cfg.Identity,
	}), false)
}

func (cc *ClientConn) onHandshake(t wire.PacketType, data []byte) {
	if t != wire.PacketHandshakeResponse {
		// Clients never answer handshakes.
		return
	}
	p, err := decodeHandshake(data)
	if err != nil {
		cc.Error("malformed handshake response from host")
		return
	}
	if p.Version < ProtocolVersionMin || p.Version > ProtocolVersionMax {
		cc.Error(fmt.Sprintf(
			"host protocol version %d is incompatible (supported %d-%d)",
			p.Version, ProtocolVersionMin, ProtocolVersionMax))
		return
	}
	if p.Version >= saltMinVersion && !bytes.Equal(p.Salt, cc.salt) {
		// Wrong salt means a stale or replayed response. Not fatal;
		// the next handshake resend sorts it out.
		return
	}

	// Effective version is the lower declaration; the gate above already
	// capped the host's at ProtocolVersionMax.
	cc.becomeCommunicating(p.Version, PeerIdentity{
		Payload: p.Identity,
		Hash:    identityHash(p.Identity, cc.salt),
	})
}

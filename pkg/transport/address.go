package transport

import "net"

// PeerAddress identifies a remote peer by datagram address.
type PeerAddress struct {
	// Addr is the network address of the peer.
	Addr net.Addr
}

// String returns a human-readable representation of the peer address.
func (p PeerAddress) String() string {
	if p.Addr == nil {
		return "<nil>"
	}
	return p.Addr.String()
}

// IsValid returns true if the peer address is usable.
func (p PeerAddress) IsValid() bool {
	return p.Addr != nil
}

// NewPeerAddress creates a PeerAddress for a datagram peer.
func NewPeerAddress(addr net.Addr) PeerAddress {
	return PeerAddress{Addr: addr}
}

// AddrFromString parses a "host:port" string into a UDP PeerAddress.
func AddrFromString(addr string) (PeerAddress, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return PeerAddress{}, err
	}
	return NewPeerAddress(udpAddr), nil
}

package transport

// ReceivedPacket is an incoming datagram from the network. Data is the raw
// (still compressed) packet bytes; higher layers decode them.
type ReceivedPacket struct {
	// Data contains the raw packet bytes.
	Data []byte
	// PeerAddr identifies the source of the packet.
	PeerAddr PeerAddress
}

// PacketHandler is called for each received packet. Implementations should
// hand the packet to the owning logic goroutine quickly; blocking here
// stalls the read loop.
type PacketHandler func(pkt *ReceivedPacket)

// MaxPacketSize is the largest datagram the transport will send or
// receive. Comfortably above the protocol's compressed packet ceiling.
const MaxPacketSize = 1024

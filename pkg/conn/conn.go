// Package conn implements the reliable channel between two session peers:
// sequencing, cumulative+bitmap acknowledgement, exponential-backoff
// retransmission, multipart fragmentation/reassembly, round-trip sampling,
// and the host/client handshake that gates it.
//
// A Connection is exclusively owned by a single goroutine (the logic
// context). It holds no internal locks; transports hand raw packet bytes to
// the owning goroutine, which calls OnRawPacket and ticks Update.
package conn

import (
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/netplaykit/netplay/pkg/wire"
)

// State is the lifecycle state of a connection.
type State uint8

const (
	// StateHandshaking allows only handshake traffic.
	StateHandshaking State = iota

	// StateCommunicating allows application traffic.
	StateCommunicating

	// StateErroring suppresses all outbound traffic except a disconnect
	// notice. Resources are released by an explicit Close.
	StateErroring

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateCommunicating:
		return "communicating"
	case StateErroring:
		return "erroring"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Timing and safety constants.
const (
	// initialResendInterval is the first retry interval for an
	// unacknowledged reliable message; it doubles on every resend.
	initialResendInterval = 100 * time.Millisecond

	// keepaliveInterval is how long the channel may go without sending
	// an ack-bearing packet before a bare keepalive goes out.
	keepaliveInterval = 100 * time.Millisecond

	// pruneInterval is how often message tables are swept.
	pruneInterval = time.Second

	// pruneHorizon is the age past which Outbound/Inbound messages are
	// dropped from their tables.
	pruneHorizon = 10 * time.Second

	// statsInterval is the per-second traffic counter rotation period.
	statsInterval = time.Second

	// rttSampleInterval limits how often an ack is used as a round-trip
	// sample.
	rttSampleInterval = 2 * time.Second

	// staleSeqDistance is the wrap distance past which an incoming
	// reliable sequence number is treated as ancient and ignored.
	staleSeqDistance = 32000

	// ackWalkSlots is the requested sequence slot plus the 8 bitmap bits.
	ackWalkSlots = 9

	// decompressFailureLimit bounds tolerated codec failures before the
	// connection gives up. Single corrupted packets are steady-state
	// network behavior, not an attack.
	decompressFailureLimit = 5

	// maxMultipartBuffer caps the reassembly accumulator. A peer that
	// pushes past it is misbehaving.
	maxMultipartBuffer = 5 << 20
)

// Sender delivers encoded packet bytes toward the peer. Implementations
// must not block; see transport.Writer for the queued UDP implementation.
type Sender interface {
	SendRaw(data []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(data []byte) error

// SendRaw implements Sender.
func (f SenderFunc) SendRaw(data []byte) error { return f(data) }

// Config configures a connection. Sender is required; everything else has
// a usable zero value.
type Config struct {
	// Sender transmits encoded packets to the peer.
	Sender Sender

	// Identity is the local identity payload exchanged during the
	// handshake. Identity is asserted, not proven.
	Identity []byte

	// OnReliablePayload receives reassembled reliable payloads in strict
	// send order.
	OnReliablePayload func(payload []byte)

	// OnUnreliablePayload receives unreliable payloads. Delivery is
	// best-effort; payloads never arrive older than the last one applied.
	OnUnreliablePayload func(payload []byte)

	// OnHandshakeComplete fires once, when the channel transitions to
	// StateCommunicating.
	OnHandshakeComplete func(version uint16, peer PeerIdentity)

	// OnError receives the human-readable failure message, at most once.
	OnError func(message string)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory

	// Clock overrides the time source. Used by tests.
	Clock func() time.Time

	// Registry optionally exports traffic metrics.
	Registry prometheus.Registerer

	// MetricsLabels are constant labels applied to all metrics, letting
	// multiple connections share one registry.
	MetricsLabels prometheus.Labels
}

// outboundMessage is a reliable message awaiting acknowledgement.
type outboundMessage struct {
	seq            uint16
	payload        []byte
	firstSend      time.Time
	lastSend       time.Time
	resendInterval time.Duration
	acked          bool
}

// inboundMessage is a received reliable payload waiting for the in-order
// drain to reach its sequence number.
type inboundMessage struct {
	payload []byte
	arrival time.Time
}

// rolePolicy holds the small set of behaviors that differ between the host
// and client sides of a connection.
type rolePolicy struct {
	name         string
	reportErrors bool
	onHandshake  func(t wire.PacketType, data []byte)
	update       func(now time.Time)
}

// Connection is the reliable channel core, shared by both peer roles.
// All methods must be called from the owning goroutine.
type Connection struct {
	cfg    Config
	log    logging.LeveledLogger
	sender Sender
	now    func() time.Time
	policy rolePolicy

	state      State
	negotiated bool
	version    uint16

	outSeq           uint16
	outUnreliableSeq uint16
	outbound         map[uint16]*outboundMessage

	inSeq                 uint16
	inbound               map[uint16]*inboundMessage
	lastUnreliableApplied uint16

	multipart []byte

	decompressFailures int

	lastAckSend time.Time
	lastRTT     time.Duration
	lastRTTTime time.Time
	lastPrune   time.Time

	stats   Stats
	metrics *metrics
}

func newConnection(cfg Config, policy rolePolicy) (*Connection, error) {
	if cfg.Sender == nil {
		return nil, ErrNoSender
	}
	c := &Connection{
		cfg:      cfg,
		sender:   cfg.Sender,
		now:      cfg.Clock,
		policy:   policy,
		state:    StateHandshaking,
		outbound: make(map[uint16]*outboundMessage),
		inbound:  make(map[uint16]*inboundMessage),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.LoggerFactory != nil {
		c.log = cfg.LoggerFactory.NewLogger(policy.name)
	}
	if cfg.Registry != nil {
		c.metrics = newMetrics(cfg.Registry, cfg.MetricsLabels)
	}
	now := c.now()
	c.lastAckSend = now
	c.lastPrune = now
	c.stats.lastRotate = now
	return c, nil
}

// State returns the connection state.
func (c *Connection) State() State { return c.state }

// Version returns the negotiated protocol version, valid once the
// connection is communicating.
func (c *Connection) Version() uint16 { return c.version }

// RTT returns the most recent round-trip sample, or zero if none has been
// taken yet.
func (c *Connection) RTT() time.Duration { return c.lastRTT }

// Stats returns a snapshot of the traffic counters.
func (c *Connection) Stats() StatsSnapshot { return c.stats.snapshot() }

// SendReliable queues payload for in-order, exactly-once delivery to the
// peer. Payloads larger than a single packet are split transparently into
// multipart fragments.
func (c *Connection) SendReliable(payload []byte) error {
	switch c.state {
	case StateClosed, StateErroring:
		return ErrClosed
	case StateHandshaking:
		return ErrNotCommunicating
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}
	if len(payload) > wire.MaxPacketPayload {
		return c.sendMultipart(payload)
	}
	c.sendReliablePacket(payload)
	return nil
}

// sendReliablePacket assigns the next sequence number, records the
// outbound entry, and transmits. Advancing the reliable sequence re-zeroes
// the unreliable counter; the two are not independent.
func (c *Connection) sendReliablePacket(payload []byte) {
	now := c.now()
	seq := c.outSeq
	c.outSeq++
	c.outUnreliableSeq = 0

	msg := &outboundMessage{
		seq:            seq,
		payload:        payload,
		firstSend:      now,
		lastSend:       now,
		resendInterval: initialResendInterval,
	}
	c.outbound[seq] = msg
	c.transmitReliable(msg)
}

func (c *Connection) transmitReliable(msg *outboundMessage) {
	pkt := wire.ReliablePacket{
		Seq:     msg.seq,
		Ack:     c.ackWindow(),
		Payload: msg.payload,
	}
	c.writePacket(pkt.Encode(), true)
}

// SendUnreliable transmits payload without retry bookkeeping. Payloads
// that would not fit in one packet are dropped; so are sends while the
// channel cannot communicate. Both are silent: unreliable traffic makes
// no delivery promises.
func (c *Connection) SendUnreliable(payload []byte) {
	if c.state != StateCommunicating {
		return
	}
	if len(payload) == 0 || len(payload) > wire.MaxPacketPayload {
		return
	}
	pkt := wire.UnreliablePacket{
		Seq:           c.outSeq,
		UnreliableSeq: c.outUnreliableSeq,
		Ack:           c.ackWindow(),
		Payload:       payload,
	}
	c.outUnreliableSeq++
	c.writePacket(pkt.Encode(), true)
}

// ackWindow computes the receiver-side ack state embedded in every
// outgoing packet: the next expected sequence plus a bitmap of the 8
// slots after it that are already buffered.
func (c *Connection) ackWindow() wire.AckWindow {
	w := wire.AckWindow{Next: c.inSeq}
	for i := uint16(1); i <= 8; i++ {
		if _, ok := c.inbound[c.inSeq+i]; ok {
			w.Bits |= 1 << (i - 1)
		}
	}
	return w
}

// OnRawPacket processes one packet received from the transport.
func (c *Connection) OnRawPacket(data []byte) {
	if c.state == StateClosed {
		return
	}
	c.stats.countRecv(len(data))
	if c.metrics != nil {
		c.metrics.countRecv(len(data))
	}

	decoded, err := wire.Decompress(data)
	if err != nil {
		c.decompressFailures++
		if c.log != nil {
			c.log.Debugf("dropping corrupt packet (%d/%d): %v",
				c.decompressFailures, decompressFailureLimit, err)
		}
		if c.decompressFailures >= decompressFailureLimit {
			c.Error("too many corrupt packets from peer")
		}
		return
	}

	t, err := wire.Classify(decoded)
	if err != nil {
		c.Error("malformed packet from peer")
		return
	}

	switch t {
	case wire.PacketHandshake, wire.PacketHandshakeResponse:
		// Role-specific. The host keeps answering handshakes after
		// negotiation so a lost response gets repaired.
		if c.policy.onHandshake != nil {
			c.policy.onHandshake(t, decoded)
		}
	case wire.PacketDisconnect:
		if c.state != StateCommunicating {
			return
		}
		c.Error("disconnected by peer")
	case wire.PacketKeepalive:
		if c.state != StateCommunicating {
			return
		}
		ack, err := wire.DecodeKeepalive(decoded)
		if err != nil {
			c.Error("malformed keepalive from peer")
			return
		}
		c.handleAcks(ack)
	case wire.PacketMessage:
		if c.state != StateCommunicating {
			return
		}
		pkt, err := wire.DecodeReliable(decoded)
		if err != nil {
			c.Error("malformed message from peer")
			return
		}
		c.handleAcks(pkt.Ack)
		c.handleReliable(pkt)
	case wire.PacketMessageUnreliable:
		if c.state != StateCommunicating {
			return
		}
		pkt, err := wire.DecodeUnreliable(decoded)
		if err != nil {
			c.Error("malformed unreliable message from peer")
			return
		}
		c.handleAcks(pkt.Ack)
		c.handleUnreliable(pkt)
	}
}

// handleAcks applies the peer's ack window: acknowledge what the window
// covers, resend what it requests. Re-processing an identical window is a
// no-op; every mutation below is guarded by current entry state.
func (c *Connection) handleAcks(w wire.AckWindow) {
	now := c.now()

	// Everything before Next has been delivered. The entry just below it
	// doubles as the round-trip probe, sampled at most once per window.
	if msg, ok := c.outbound[w.Next-1]; ok && !msg.acked {
		msg.acked = true
		if now.Sub(c.lastRTTTime) >= rttSampleInterval {
			c.lastRTT = now.Sub(msg.firstSend)
			c.lastRTTTime = now
			if c.metrics != nil {
				c.metrics.observeRTT(c.lastRTT)
			}
		}
	}

	for i := 0; i < ackWalkSlots; i++ {
		seq := w.Next + uint16(i)

		// Slot 0 is always being requested; the bitmap covers the rest.
		wanted := i == 0 || w.Bits&(1<<(i-1)) == 0

		msg, ok := c.outbound[seq]
		if !ok {
			if behind := c.outSeq - seq; behind == 0 || behind > 32768 {
				// Not sent yet; the peer is fully caught up, and
				// nothing later in the walk can exist either.
				return
			}
			if wanted {
				// The peer wants a message we pruned long ago. It
				// can never catch up; cut it loose rather than
				// corrupt the stream.
				c.Error("peer requested an expired message")
				return
			}
			// Acked and pruned. Fine.
			continue
		}

		if !wanted {
			msg.acked = true
			continue
		}
		if msg.acked {
			continue
		}
		if now.Sub(msg.lastSend) > msg.resendInterval {
			c.transmitReliable(msg)
			msg.lastSend = now
			msg.resendInterval *= 2
			c.stats.resends++
			if c.metrics != nil {
				c.metrics.countResend()
			}
		}
	}
}

// handleReliable buffers an incoming reliable message and drains the
// inbound table from the expected-next counter forward.
func (c *Connection) handleReliable(pkt *wire.ReliablePacket) {
	if wire.SeqDistance(c.inSeq, pkt.Seq) > staleSeqDistance {
		// Ancient duplicate; the next ack-bearing packet re-covers it.
		return
	}
	if _, ok := c.inbound[pkt.Seq]; !ok {
		c.inbound[pkt.Seq] = &inboundMessage{
			payload: pkt.Payload,
			arrival: c.now(),
		}
	}

	// Drain contiguous messages. Each step re-checks the table: delivery
	// can complete a handshake or error the channel, and advancing the
	// expected-next counter resets the unreliable sub-sequence.
	for c.state != StateClosed && c.state != StateErroring {
		msg, ok := c.inbound[c.inSeq]
		if !ok {
			break
		}
		delete(c.inbound, c.inSeq)
		c.inSeq++
		c.lastUnreliableApplied = 0
		c.deliverReliable(msg.payload)
	}
}

// handleUnreliable applies an unreliable payload if it belongs to the
// current reliable sequence position and is not older than the last one
// applied. Anything else is dropped without error.
func (c *Connection) handleUnreliable(pkt *wire.UnreliablePacket) {
	if pkt.Seq != c.inSeq {
		return
	}
	if pkt.UnreliableSeq < c.lastUnreliableApplied {
		return
	}
	c.lastUnreliableApplied = pkt.UnreliableSeq
	if c.cfg.OnUnreliablePayload != nil {
		c.cfg.OnUnreliablePayload(pkt.Payload)
	}
}

// Update drives housekeeping and must be called once per logic tick.
func (c *Connection) Update() {
	if c.state == StateClosed {
		return
	}
	now := c.now()

	if now.Sub(c.stats.lastRotate) >= statsInterval {
		c.stats.rotate(now)
	}

	if now.Sub(c.lastPrune) >= pruneInterval {
		c.lastPrune = now
		for seq, msg := range c.outbound {
			if now.Sub(msg.firstSend) > pruneHorizon {
				delete(c.outbound, seq)
			}
		}
		for seq, msg := range c.inbound {
			if now.Sub(msg.arrival) > pruneHorizon {
				delete(c.inbound, seq)
			}
		}
	}

	if c.policy.update != nil {
		c.policy.update(now)
	}

	if c.state == StateCommunicating && now.Sub(c.lastAckSend) >= keepaliveInterval {
		c.writePacket(wire.EncodeKeepalive(c.ackWindow()), true)
	}
}

// canTransmit gates outbound traffic by state.
func (c *Connection) canTransmit(t wire.PacketType) bool {
	switch c.state {
	case StateClosed:
		return false
	case StateErroring:
		return t == wire.PacketDisconnect
	case StateHandshaking:
		return t == wire.PacketHandshake ||
			t == wire.PacketHandshakeResponse ||
			t == wire.PacketDisconnect
	}
	return true
}

// writePacket compresses and transmits an encoded packet, honoring the
// state gate. ackBearing packets reset the keepalive timer.
func (c *Connection) writePacket(encoded []byte, ackBearing bool) {
	if !c.canTransmit(wire.PacketType(encoded[0])) {
		return
	}
	data := wire.Compress(encoded)
	if err := c.sender.SendRaw(data); err != nil {
		if c.log != nil {
			c.log.Warnf("send failed: %v", err)
		}
		return
	}
	c.stats.countSend(len(data))
	if c.metrics != nil {
		c.metrics.countSend(len(data))
	}
	if ackBearing {
		c.lastAckSend = c.now()
	}
}

// becomeCommunicating performs the one-shot transition out of the
// handshake phase. Returns false if negotiation already happened.
func (c *Connection) becomeCommunicating(version uint16, peer PeerIdentity) bool {
	if c.negotiated || c.state != StateHandshaking {
		return false
	}
	c.negotiated = true
	c.version = version
	c.state = StateCommunicating
	if c.log != nil {
		c.log.Infof("handshake complete: protocol v%d peer %s", version, peer.Hash)
	}
	if c.cfg.OnHandshakeComplete != nil {
		c.cfg.OnHandshakeComplete(version, peer)
	}
	return true
}

// Error flips the connection into the erroring state. It is idempotent:
// the message is surfaced at most once, and repeat calls are no-ops. It
// does not release resources; callers still tear down with Close.
func (c *Connection) Error(message string) {
	if c.state == StateErroring || c.state == StateClosed {
		return
	}
	c.state = StateErroring
	if c.log != nil {
		if c.policy.reportErrors {
			c.log.Errorf("connection error: %s", message)
		} else {
			c.log.Debugf("connection error: %s", message)
		}
	}
	if c.cfg.OnError != nil {
		c.cfg.OnError(message)
	}
}

// Close tears the connection down synchronously: a disconnect notice is
// attempted best-effort and all tables are released. Safe to call more
// than once.
func (c *Connection) Close() {
	if c.state == StateClosed {
		return
	}
	if c.state != StateErroring {
		c.state = StateErroring // pass the disconnect-only gate
	}
	c.writePacket(wire.EncodeDisconnect(), false)
	c.state = StateClosed
	c.outbound = make(map[uint16]*outboundMessage)
	c.inbound = make(map[uint16]*inboundMessage)
	c.multipart = nil
}

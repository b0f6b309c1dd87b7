package conn

import (
	"bytes"
	"testing"
	"time"

	"github.com/netplaykit/netplay/pkg/wire"
)

// fakeClock is a manually advanced time source shared by both ends of a
// test pair.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1000, 0)}
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// captureSender records every packet a connection transmits.
type captureSender struct {
	packets [][]byte
}

func (s *captureSender) SendRaw(data []byte) error {
	s.packets = append(s.packets, append([]byte(nil), data...))
	return nil
}

// drain returns and clears the captured packets.
func (s *captureSender) drain() [][]byte {
	p := s.packets
	s.packets = nil
	return p
}

// deliver feeds all packets captured on one side into the other side.
func deliver(from *captureSender, to *Connection) int {
	pkts := from.drain()
	for _, p := range pkts {
		to.OnRawPacket(p)
	}
	return len(pkts)
}

type pair struct {
	clk    *fakeClock
	host   *HostConn
	client *ClientConn

	hostSender   *captureSender
	clientSender *captureSender

	hostReliable   [][]byte
	clientReliable [][]byte

	hostUnreliable   [][]byte
	clientUnreliable [][]byte

	hostErrors   []string
	clientErrors []string
}

func newPair(t *testing.T) *pair {
	t.Helper()

	p := &pair{
		clk:          newFakeClock(),
		hostSender:   &captureSender{},
		clientSender: &captureSender{},
	}

	host, err := NewHost(Config{
		Sender:   p.hostSender,
		Identity: []byte("host"),
		OnReliablePayload: func(payload []byte) {
			p.hostReliable = append(p.hostReliable, append([]byte(nil), payload...))
		},
		OnUnreliablePayload: func(payload []byte) {
			p.hostUnreliable = append(p.hostUnreliable, append([]byte(nil), payload...))
		},
		OnError: func(msg string) { p.hostErrors = append(p.hostErrors, msg) },
		Clock:   p.clk.Now,
	})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	p.host = host

	client, err := NewClient(Config{
		Sender:   p.clientSender,
		Identity: []byte("client"),
		OnReliablePayload: func(payload []byte) {
			p.clientReliable = append(p.clientReliable, append([]byte(nil), payload...))
		},
		OnUnreliablePayload: func(payload []byte) {
			p.clientUnreliable = append(p.clientUnreliable, append([]byte(nil), payload...))
		},
		OnError: func(msg string) { p.clientErrors = append(p.clientErrors, msg) },
		Clock:   p.clk.Now,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	p.client = client

	return p
}

// connect completes the handshake in both directions.
func (p *pair) connect(t *testing.T) {
	t.Helper()

	p.client.Update() // sends handshake
	deliver(p.clientSender, p.host.Connection)
	deliver(p.hostSender, p.client.Connection)

	if p.host.State() != StateCommunicating {
		t.Fatalf("host state = %v, want communicating", p.host.State())
	}
	if p.client.State() != StateCommunicating {
		t.Fatalf("client state = %v, want communicating", p.client.State())
	}
}

func TestHandshakeCompletes(t *testing.T) {
	p := newPair(t)

	var hostVersion, clientVersion uint16
	var hostPeer, clientPeer PeerIdentity
	p.host.cfg.OnHandshakeComplete = func(v uint16, id PeerIdentity) {
		hostVersion = v
		hostPeer = id
	}
	p.client.cfg.OnHandshakeComplete = func(v uint16, id PeerIdentity) {
		clientVersion = v
		clientPeer = id
	}

	p.connect(t)

	if hostVersion != ProtocolVersionMax || clientVersion != ProtocolVersionMax {
		t.Errorf("negotiated versions = %d/%d, want %d", hostVersion, clientVersion, ProtocolVersionMax)
	}
	if string(hostPeer.Payload) != "client" {
		t.Errorf("host peer identity = %q, want %q", hostPeer.Payload, "client")
	}
	if string(clientPeer.Payload) != "host" {
		t.Errorf("client peer identity = %q, want %q", clientPeer.Payload, "host")
	}
	if hostPeer.Hash == "" || clientPeer.Hash == "" {
		t.Error("peer identity hashes should be set")
	}
}

func TestHandshakeVersionGate(t *testing.T) {
	for _, version := range []uint16{ProtocolVersionMin - 1, ProtocolVersionMax + 1} {
		p := newPair(t)

		raw := encodeHandshake(wire.PacketHandshake, handshakePayload{
			Version:  version,
			Salt:     []byte{1, 2, 3, 4},
			Identity: []byte("old client"),
		})
		p.host.OnRawPacket(wire.Compress(raw))

		if p.host.State() != StateErroring {
			t.Errorf("version %d: host state = %v, want erroring", version, p.host.State())
		}
		if len(p.hostErrors) != 1 {
			t.Errorf("version %d: errors = %d, want 1", version, len(p.hostErrors))
		}
		if p.host.negotiated {
			t.Errorf("version %d: host must not negotiate", version)
		}
	}
}

func TestHandshakePinsLowerVersion(t *testing.T) {
	p := newPair(t)

	var negotiated uint16
	p.host.cfg.OnHandshakeComplete = func(v uint16, id PeerIdentity) { negotiated = v }

	raw := encodeHandshake(wire.PacketHandshake, handshakePayload{
		Version:  ProtocolVersionMin,
		Salt:     nil, // pre-salt protocol version
		Identity: []byte("older client"),
	})
	p.host.OnRawPacket(wire.Compress(raw))

	if negotiated != ProtocolVersionMin {
		t.Errorf("negotiated = %d, want %d", negotiated, ProtocolVersionMin)
	}
	if p.host.Version() != ProtocolVersionMin {
		t.Errorf("Version() = %d, want %d", p.host.Version(), ProtocolVersionMin)
	}
}

func TestHandshakeResendCadence(t *testing.T) {
	p := newPair(t)

	p.client.Update()
	if got := len(p.clientSender.drain()); got != 1 {
		t.Fatalf("initial handshakes = %d, want 1", got)
	}

	p.clk.Advance(500 * time.Millisecond)
	p.client.Update()
	if got := len(p.clientSender.drain()); got != 0 {
		t.Fatalf("handshakes after 500ms = %d, want 0", got)
	}

	p.clk.Advance(500 * time.Millisecond)
	p.client.Update()
	if got := len(p.clientSender.drain()); got != 1 {
		t.Fatalf("handshakes after 1s = %d, want 1", got)
	}
}

func TestHandshakeResponseSaltMismatchIgnored(t *testing.T) {
	p := newPair(t)
	p.client.Update()
	p.clientSender.drain()

	raw := encodeHandshake(wire.PacketHandshakeResponse, handshakePayload{
		Version:  ProtocolVersionMax,
		Salt:     []byte{9, 9, 9, 9},
		Identity: []byte("imposter"),
	})
	p.client.OnRawPacket(wire.Compress(raw))

	if p.client.State() != StateHandshaking {
		t.Errorf("client state = %v, want handshaking", p.client.State())
	}
	if len(p.clientErrors) != 0 {
		t.Errorf("errors = %v, want none", p.clientErrors)
	}
}

func TestHostAnswersDuplicateHandshakes(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	// The client's response was lost; it re-sends its handshake.
	p.client.state = StateHandshaking // simulate a client that never saw the response
	p.client.negotiated = false
	p.clk.Advance(time.Second)
	p.client.Update()
	deliver(p.clientSender, p.host.Connection)

	responses := p.hostSender.drain()
	if len(responses) != 1 {
		t.Fatalf("host sent %d packets, want 1 handshake response", len(responses))
	}
	decoded, err := wire.Decompress(responses[0])
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if wire.PacketType(decoded[0]) != wire.PacketHandshakeResponse {
		t.Errorf("packet type = %d, want handshake response", decoded[0])
	}
}

func TestReliableOrderingUnderReorder(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	want := [][]byte{
		{100, 'a'}, {100, 'b'}, {100, 'c'}, {100, 'd'}, {100, 'e'},
	}
	for _, m := range want {
		if err := p.client.SendReliable(m); err != nil {
			t.Fatalf("SendReliable failed: %v", err)
		}
	}

	pkts := p.clientSender.drain()
	for i := len(pkts) - 1; i >= 0; i-- { // deliver in reverse
		p.host.OnRawPacket(pkts[i])
	}

	if len(p.hostReliable) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(p.hostReliable), len(want))
	}
	for i, m := range want {
		if !bytes.Equal(p.hostReliable[i], m) {
			t.Errorf("message %d = %v, want %v", i, p.hostReliable[i], m)
		}
	}
}

func TestDuplicateReliableDeliveredOnce(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.client.SendReliable([]byte{100, 'x'}); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	pkts := p.clientSender.drain()
	if len(pkts) != 1 {
		t.Fatalf("sent %d packets, want 1", len(pkts))
	}

	p.host.OnRawPacket(pkts[0])
	p.host.OnRawPacket(pkts[0])

	if len(p.hostReliable) != 1 {
		t.Errorf("delivered %d times, want 1", len(p.hostReliable))
	}
}

func TestIdempotentAcks(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.client.SendReliable([]byte{100, 'x'}); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	deliver(p.clientSender, p.host.Connection)

	// Force an ack-bearing keepalive out of the host.
	p.clk.Advance(keepaliveInterval + time.Millisecond)
	p.host.Update()
	acks := p.hostSender.drain()
	if len(acks) != 1 {
		t.Fatalf("host sent %d packets, want 1 keepalive", len(acks))
	}

	p.client.OnRawPacket(acks[0])
	msg := p.client.outbound[0]
	if msg == nil || !msg.acked {
		t.Fatal("message should be acknowledged")
	}
	rttTime := p.client.lastRTTTime
	interval := msg.resendInterval

	// Replaying the identical ack must not mutate anything.
	p.client.OnRawPacket(acks[0])
	if p.client.lastRTTTime != rttTime {
		t.Error("replayed ack re-sampled RTT")
	}
	if msg.resendInterval != interval {
		t.Error("replayed ack changed resend interval")
	}
	if p.client.stats.resends != 0 {
		t.Errorf("resends = %d, want 0", p.client.stats.resends)
	}
	if p.client.State() != StateCommunicating {
		t.Errorf("state = %v, want communicating", p.client.State())
	}
}

func TestBackoffMonotonicity(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.client.SendReliable([]byte{100, 'x'}); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	p.clientSender.drain() // the initial transmission is lost

	request := wire.Compress(wire.EncodeKeepalive(wire.AckWindow{Next: 0}))
	msg := p.client.outbound[0]

	wantIntervals := []time.Duration{
		2 * initialResendInterval,
		4 * initialResendInterval,
		8 * initialResendInterval,
	}
	for i, want := range wantIntervals {
		// Step past the current interval, then let the peer request.
		p.clk.Advance(msg.resendInterval + time.Millisecond)
		p.client.OnRawPacket(request)

		if got := len(p.clientSender.drain()); got != 1 {
			t.Fatalf("resend %d: sent %d packets, want 1", i, got)
		}
		if msg.resendInterval != want {
			t.Fatalf("resend %d: interval = %v, want %v", i, msg.resendInterval, want)
		}
	}

	// A request arriving before the interval elapses must not resend.
	p.client.OnRawPacket(request)
	if got := len(p.clientSender.drain()); got != 0 {
		t.Errorf("early request triggered %d resends, want 0", got)
	}
}

func TestPrunedAckErrors(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	if err := p.client.SendReliable([]byte{100, 'x'}); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	p.clientSender.drain()

	// Age the entry past the prune horizon.
	p.clk.Advance(pruneHorizon + pruneInterval)
	p.client.Update()
	if _, ok := p.client.outbound[0]; ok {
		t.Fatal("entry should have been pruned")
	}

	// The peer still wants it. It can never be satisfied.
	p.client.OnRawPacket(wire.Compress(wire.EncodeKeepalive(wire.AckWindow{Next: 0})))

	if p.client.State() != StateErroring {
		t.Errorf("state = %v, want erroring", p.client.State())
	}
	if len(p.clientErrors) != 1 {
		t.Errorf("errors = %v, want exactly one", p.clientErrors)
	}
}

func TestStaleSequenceIgnored(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	pkt := wire.ReliablePacket{
		Seq:     65000, // wrap distance from 0 is far past the stale threshold
		Ack:     wire.AckWindow{Next: 0},
		Payload: []byte{100, 'z'},
	}
	p.host.OnRawPacket(wire.Compress(pkt.Encode()))

	if len(p.hostReliable) != 0 {
		t.Errorf("delivered %d messages, want 0", len(p.hostReliable))
	}
	if len(p.host.inbound) != 0 {
		t.Errorf("inbound table has %d entries, want 0", len(p.host.inbound))
	}
	if p.host.State() != StateCommunicating {
		t.Errorf("state = %v, want communicating", p.host.State())
	}
}

func TestUnreliableOrderingAndReset(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.SendUnreliable([]byte{200, 0}) // useq 0
	p.client.SendUnreliable([]byte{200, 1}) // useq 1
	pkts := p.clientSender.drain()
	if len(pkts) != 2 {
		t.Fatalf("sent %d packets, want 2", len(pkts))
	}

	// Deliver newest first: the older one must be dropped.
	p.host.OnRawPacket(pkts[1])
	p.host.OnRawPacket(pkts[0])
	if len(p.hostUnreliable) != 1 || p.hostUnreliable[0][1] != 1 {
		t.Fatalf("unreliable delivered = %v, want only useq 1", p.hostUnreliable)
	}

	// A reliable send re-zeroes the unreliable counter on both ends.
	if err := p.client.SendReliable([]byte{100, 'x'}); err != nil {
		t.Fatalf("SendReliable failed: %v", err)
	}
	p.client.SendUnreliable([]byte{200, 2}) // useq 0 again, at the new position
	pkts = p.clientSender.drain()
	for _, pkt := range pkts {
		p.host.OnRawPacket(pkt)
	}
	if len(p.hostUnreliable) != 2 || p.hostUnreliable[1][1] != 2 {
		t.Fatalf("unreliable delivered = %v, want useq reset applied", p.hostUnreliable)
	}
}

func TestUnreliableFromWrongPositionDropped(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	pkt := wire.UnreliablePacket{
		Seq:           5, // host expects 0
		UnreliableSeq: 0,
		Ack:           wire.AckWindow{Next: 0},
		Payload:       []byte{200, 'x'},
	}
	p.host.OnRawPacket(wire.Compress(pkt.Encode()))

	if len(p.hostUnreliable) != 0 {
		t.Errorf("delivered %d unreliable messages, want 0", len(p.hostUnreliable))
	}
}

func TestOversizedUnreliableDropped(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.SendUnreliable(make([]byte, wire.MaxPacketPayload+1))
	if got := len(p.clientSender.drain()); got != 0 {
		t.Errorf("sent %d packets, want 0", got)
	}
}

func TestKeepaliveCadence(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.clk.Advance(keepaliveInterval + time.Millisecond)
	p.client.Update()
	pkts := p.clientSender.drain()
	if len(pkts) != 1 {
		t.Fatalf("sent %d packets, want 1 keepalive", len(pkts))
	}
	decoded, err := wire.Decompress(pkts[0])
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if len(decoded) != wire.KeepaliveSize {
		t.Errorf("keepalive size = %d, want %d", len(decoded), wire.KeepaliveSize)
	}

	// Within the window, no further keepalive.
	p.client.Update()
	if got := len(p.clientSender.drain()); got != 0 {
		t.Errorf("sent %d packets, want 0", got)
	}
}

func TestErrorIsIdempotent(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.Error("first failure")
	p.client.Error("second failure")

	if len(p.clientErrors) != 1 || p.clientErrors[0] != "first failure" {
		t.Errorf("errors = %v, want exactly the first", p.clientErrors)
	}
	if err := p.client.SendReliable([]byte{100, 'x'}); err != ErrClosed {
		t.Errorf("SendReliable error = %v, want ErrClosed", err)
	}
	p.client.SendUnreliable([]byte{200, 'x'})
	p.clk.Advance(time.Second)
	p.client.Update()
	if got := len(p.clientSender.drain()); got != 0 {
		t.Errorf("errored connection sent %d packets, want 0", got)
	}
}

func TestCloseSendsDisconnect(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.SendReliable([]byte{100, 'x'})
	p.clientSender.drain()

	p.client.Close()
	pkts := p.clientSender.drain()
	if len(pkts) != 1 {
		t.Fatalf("close sent %d packets, want 1 disconnect", len(pkts))
	}
	decoded, err := wire.Decompress(pkts[0])
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	if wire.PacketType(decoded[0]) != wire.PacketDisconnect {
		t.Errorf("packet type = %d, want disconnect", decoded[0])
	}
	if p.client.State() != StateClosed {
		t.Errorf("state = %v, want closed", p.client.State())
	}
	if len(p.client.outbound) != 0 || len(p.client.inbound) != 0 {
		t.Error("tables should be released on close")
	}
}

func TestDisconnectNoticeErrorsPeer(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.Close()
	deliver(p.clientSender, p.host.Connection)

	if p.host.State() != StateErroring {
		t.Errorf("host state = %v, want erroring", p.host.State())
	}
}

func TestDecompressFailureBudget(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	garbage := []byte{0x40, 1, 2, 3} // reserved control bits set

	for i := 0; i < decompressFailureLimit-1; i++ {
		p.host.OnRawPacket(garbage)
	}
	if p.host.State() != StateCommunicating {
		t.Fatalf("state after %d failures = %v, want communicating",
			decompressFailureLimit-1, p.host.State())
	}

	p.host.OnRawPacket(garbage)
	if p.host.State() != StateErroring {
		t.Errorf("state = %v, want erroring after failure budget", p.host.State())
	}
}

func TestRTTSampleWindow(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	ack := func(next uint16) []byte {
		return wire.Compress(wire.EncodeKeepalive(wire.AckWindow{Next: next}))
	}

	p.client.SendReliable([]byte{100, 'a'})
	p.clk.Advance(30 * time.Millisecond)
	p.client.OnRawPacket(ack(1))
	if p.client.RTT() != 30*time.Millisecond {
		t.Fatalf("RTT = %v, want 30ms", p.client.RTT())
	}

	// A second sample inside the window is ignored.
	p.client.SendReliable([]byte{100, 'b'})
	p.clk.Advance(90 * time.Millisecond)
	p.client.OnRawPacket(ack(2))
	if p.client.RTT() != 30*time.Millisecond {
		t.Errorf("RTT = %v, want unchanged 30ms", p.client.RTT())
	}

	// Outside the window, sampling resumes.
	p.client.SendReliable([]byte{100, 'c'})
	p.clk.Advance(rttSampleInterval)
	p.client.OnRawPacket(ack(3))
	if p.client.RTT() != rttSampleInterval {
		t.Errorf("RTT = %v, want %v", p.client.RTT(), rttSampleInterval)
	}
}

func TestAckBitmapSkipsBufferedResends(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	// Three in flight; the peer reports seq 1 buffered (bit 0) but still
	// wants 0 and 2.
	for _, b := range []byte{'a', 'b', 'c'} {
		p.client.SendReliable([]byte{100, b})
	}
	p.clientSender.drain()

	p.clk.Advance(initialResendInterval * 2)
	p.client.OnRawPacket(wire.Compress(wire.EncodeKeepalive(wire.AckWindow{Next: 0, Bits: 0x01})))

	if got := len(p.clientSender.drain()); got != 2 {
		t.Errorf("resent %d packets, want 2", got)
	}
	if !p.client.outbound[1].acked {
		t.Error("bitmap-covered entry should be marked acknowledged")
	}
	if p.client.outbound[0].acked || p.client.outbound[2].acked {
		t.Error("requested entries must stay unacknowledged")
	}
}

func TestSendWhileHandshakingRejected(t *testing.T) {
	p := newPair(t)

	if err := p.client.SendReliable([]byte{100, 'x'}); err != ErrNotCommunicating {
		t.Errorf("SendReliable error = %v, want ErrNotCommunicating", err)
	}
	p.client.SendUnreliable([]byte{200, 'x'})
	if got := len(p.clientSender.drain()); got != 0 {
		t.Errorf("sent %d packets while handshaking, want 0", got)
	}
}

func TestApplicationPacketsDroppedWhileHandshaking(t *testing.T) {
	p := newPair(t)

	pkt := wire.ReliablePacket{
		Seq:     0,
		Ack:     wire.AckWindow{Next: 0},
		Payload: []byte{100, 'x'},
	}
	p.client.OnRawPacket(wire.Compress(pkt.Encode()))

	if len(p.clientReliable) != 0 {
		t.Errorf("delivered %d messages while handshaking, want 0", len(p.clientReliable))
	}
	if p.client.State() != StateHandshaking {
		t.Errorf("state = %v, want handshaking", p.client.State())
	}
}

func TestStatsRotation(t *testing.T) {
	p := newPair(t)
	p.connect(t)

	p.client.SendReliable([]byte{100, 'x'})
	snap := p.client.Stats()
	if snap.PacketsSent == 0 {
		t.Fatal("total packet count should include the send")
	}
	if snap.PacketsSentPerSec != 0 {
		t.Fatal("per-second window should be empty before rotation")
	}

	p.clk.Advance(statsInterval)
	p.client.Update()
	snap = p.client.Stats()
	if snap.PacketsSentPerSec == 0 {
		t.Error("per-second window should be populated after rotation")
	}
}

package transport

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/test"
)

// NetworkCondition configures network behavior simulation.
// Use this to test protocol behavior under adverse network conditions.
type NetworkCondition struct {
	// DropRate is the probability of dropping a packet (0.0 - 1.0).
	DropRate float64

	// DelayMin is the minimum delay to add to each packet.
	DelayMin time.Duration

	// DelayMax is the maximum delay to add to each packet.
	// Actual delay is uniformly distributed between DelayMin and DelayMax.
	DelayMax time.Duration

	// DuplicateRate is the probability of duplicating a packet (0.0 - 1.0).
	DuplicateRate float64

	// ReorderRate is the probability of reordering a packet (0.0 - 1.0).
	// When triggered, the packet is held back for ReorderDelay and
	// re-injected, letting later writes overtake it.
	ReorderRate float64

	// ReorderDelay is how long a reordered packet is held back.
	ReorderDelay time.Duration
}

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// AutoProcess enables automatic packet delivery in a background
	// goroutine. Default: true.
	AutoProcess bool

	// ProcessInterval is how often the auto-processor checks for packets.
	// Default: 1ms.
	ProcessInterval time.Duration

	// Seed makes the condition randomness deterministic when nonzero.
	Seed int64
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe provides bidirectional in-memory packet communication between two
// endpoints. It wraps pion's test.Bridge and adds network condition
// simulation (drop, delay, duplication).
//
// Use Pipe for deterministic, flaky-free tests without real network I/O:
// with AutoProcess disabled, Tick/Process give exact control over packet
// delivery order.
type Pipe struct {
	bridge *test.Bridge

	mu              sync.RWMutex
	condition       NetworkCondition
	closed          bool
	rng             *rand.Rand
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewPipe creates a new bidirectional pipe with auto-processing enabled.
func NewPipe() *Pipe {
	return NewPipeWithConfig(DefaultPipeConfig())
}

// NewPipeWithConfig creates a new pipe with the given configuration.
func NewPipeWithConfig(config PipeConfig) *Pipe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Pipe{
		bridge:          test.NewBridge(),
		rng:             rand.New(rand.NewSource(seed)),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}

	if config.ProcessInterval == 0 {
		p.processInterval = 1 * time.Millisecond
	}

	if p.autoProcess {
		p.startAutoProcess()
	}

	return p
}

// startAutoProcess starts the background packet delivery goroutine.
func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.bridge.Tick()
			}
		}
	}()
}

// SetAutoProcess enables or disables automatic packet delivery.
// When disabled, call Tick() or Process() manually for deterministic
// control over packet ordering.
func (p *Pipe) SetAutoProcess(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.autoProcess == enabled {
		return
	}

	p.autoProcess = enabled

	if enabled {
		p.stopCh = make(chan struct{})
		p.startAutoProcess()
	} else {
		close(p.stopCh)
		p.wg.Wait()
	}
}

// SetCondition configures network condition simulation.
// The conditions apply to packets in both directions.
func (p *Pipe) SetCondition(cond NetworkCondition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.condition = cond
}

// Condition returns the current network condition configuration.
func (p *Pipe) Condition() NetworkCondition {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.condition
}

// Conn0 returns the packet connection for endpoint 0.
func (p *Pipe) Conn0() net.PacketConn {
	return &PipePacketConn{
		conn:     p.bridge.GetConn0(),
		localID:  0,
		peerAddr: PipeAddr{ID: 1},
		pipe:     p,
	}
}

// Conn1 returns the packet connection for endpoint 1.
func (p *Pipe) Conn1() net.PacketConn {
	return &PipePacketConn{
		conn:     p.bridge.GetConn1(),
		localID:  1,
		peerAddr: PipeAddr{ID: 0},
		pipe:     p,
	}
}

// Tick delivers one packet in each direction to a reader currently blocked
// in ReadFrom; packets for an endpoint nobody is reading stay queued.
// Returns the number of packets delivered (0, 1, or 2).
func (p *Pipe) Tick() int {
	return p.bridge.Tick()
}

// Process delivers queued packets until a Tick hands over nothing. Like
// Tick, it only delivers to readers already blocked in ReadFrom, so it
// moves at most one packet per blocked endpoint per call.
// Returns the number of packets delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			break
		}
		count += n
	}
	return count
}

// Close closes both endpoints of the pipe and stops auto-processing.
func (p *Pipe) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	// Wait for goroutine outside lock
	p.wg.Wait()

	var errs []error
	if err := p.bridge.GetConn0().Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.bridge.GetConn1().Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// PipeAddr implements net.Addr for pipe endpoints.
type PipeAddr struct {
	ID int // Endpoint ID (0 or 1)
}

// Network returns "pipe".
func (a PipeAddr) Network() string { return "pipe" }

// String returns a string representation of the address.
func (a PipeAddr) String() string { return fmt.Sprintf("pipe:%d", a.ID) }

// PipePacketConn wraps a Pipe endpoint to implement net.PacketConn,
// letting pipes stand in for the UDP transport in tests.
type PipePacketConn struct {
	conn     net.Conn
	localID  int
	peerAddr net.Addr
	pipe     *Pipe
}

// ReadFrom reads a packet from the pipe.
// The returned address is the peer's address.
func (c *PipePacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	n, err = c.conn.Read(b)
	return n, c.peerAddr, err
}

// WriteTo writes a packet to the pipe, applying any configured network
// conditions. The addr parameter is ignored since the pipe has one peer.
func (c *PipePacketConn) WriteTo(b []byte, addr net.Addr) (n int, err error) {
	if c.pipe != nil {
		c.pipe.mu.RLock()
		cond := c.pipe.condition
		rng := c.pipe.rng
		c.pipe.mu.RUnlock()

		// Check for drop
		if cond.DropRate > 0 && rng.Float64() < cond.DropRate {
			return len(b), nil // Silently drop
		}

		// Apply delay
		if cond.DelayMax > 0 {
			delay := cond.DelayMin
			if cond.DelayMax > cond.DelayMin {
				delay += time.Duration(rng.Int63n(int64(cond.DelayMax - cond.DelayMin)))
			}
			if delay > 0 {
				time.Sleep(delay)
			}
		}

		// Check for reorder - hold the packet back and re-inject it so
		// later writes overtake it
		if cond.ReorderRate > 0 && rng.Float64() < cond.ReorderRate {
			held := append([]byte(nil), b...)
			go func() {
				time.Sleep(cond.ReorderDelay)
				c.conn.Write(held) // best-effort; the pipe may be closed
			}()
			return len(b), nil
		}

		// Check for duplicate - send twice
		if cond.DuplicateRate > 0 && rng.Float64() < cond.DuplicateRate {
			if _, err := c.conn.Write(b); err != nil {
				return 0, err
			}
			// Fall through to send second copy
		}
	}

	return c.conn.Write(b)
}

// Close closes the pipe connection.
func (c *PipePacketConn) Close() error {
	return c.conn.Close()
}

// LocalAddr returns the local address.
func (c *PipePacketConn) LocalAddr() net.Addr {
	return PipeAddr{ID: c.localID}
}

// SetDeadline sets the read and write deadlines.
func (c *PipePacketConn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *PipePacketConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *PipePacketConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Verify PipePacketConn implements net.PacketConn.
var _ net.PacketConn = (*PipePacketConn)(nil)

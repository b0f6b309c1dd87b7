package transport

import (
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
)

// UDP provides datagram transport for session packets. It wraps a
// net.PacketConn with a read loop that hands each received packet to the
// configured PacketHandler, and a dedicated writer goroutine so socket
// sends never stall the logic path.
type UDP struct {
	conn    net.PacketConn
	handler PacketHandler
	writer  *Writer
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use.
	// If nil, a new connection will be created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., ":43210").
	// Ignored if Conn is provided.
	ListenAddr string

	// PacketHandler is called for each received packet. Required.
	PacketHandler PacketHandler

	// QueueSize bounds the outbound writer queue.
	// Defaults to DefaultQueueSize.
	QueueSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.PacketHandler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.PacketHandler,
		closeCh: make(chan struct{}),
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0" // ephemeral port
		}

		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	u.writer = NewWriter(WriterConfig{
		Conn:          u.conn,
		QueueSize:     config.QueueSize,
		LoggerFactory: config.LoggerFactory,
	})

	return u, nil
}

// Start begins the read loop and the writer worker.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
	}

	u.writer.Start()

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the transport and waits for its goroutines to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	close(u.closeCh)
	u.writer.Stop()

	// Set a short deadline to unblock any pending reads
	u.conn.SetReadDeadline(time.Now())
	u.conn.Close()
	u.wg.Wait()

	return nil
}

// Send queues a packet for the peer. Reliable-channel traffic should pass
// droppable=false; a full queue then surfaces ErrQueueFull so the caller
// can resubmit. Droppable traffic is discarded silently under load.
func (u *UDP) Send(data []byte, addr net.Addr, droppable bool) error {
	u.mu.RLock()
	if u.closed {
		u.mu.RUnlock()
		return ErrClosed
	}
	u.mu.RUnlock()

	if addr == nil {
		return ErrInvalidAddress
	}
	if len(data) > MaxPacketSize {
		return ErrPacketTooLarge
	}

	return u.writer.Enqueue(data, addr, droppable)
}

// Sender returns a fixed-peer send function suitable for wiring a single
// connection: it always targets addr and never drops.
func (u *UDP) Sender(addr net.Addr) func(data []byte) error {
	return func(data []byte) error {
		return u.Send(data, addr, false)
	}
}

// LocalAddr returns the local address the transport is listening on.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// readLoop reads packets from the connection and dispatches them.
func (u *UDP) readLoop() {
	defer u.wg.Done()

	buf := make([]byte, MaxPacketSize)

	for {
		select {
		case <-u.closeCh:
			return
		default:
		}

		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			// Check if we're shutting down
			select {
			case <-u.closeCh:
				return
			default:
				if u.log != nil {
					u.log.Warnf("UDP read error: %v", err)
				}
				continue
			}
		}

		if n == 0 {
			continue
		}

		// Make a copy of the data for the handler
		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Debugf("received %d bytes from %v", n, addr)
		}

		u.handler(&ReceivedPacket{
			Data:     data,
			PeerAddr: NewPeerAddress(addr),
		})
	}
}

package transport

import (
	"net"
	"sync"

	"github.com/pion/logging"
)

// DefaultQueueSize is the default writer queue bound.
const DefaultQueueSize = 256

// outPacket is a queued outbound datagram.
type outPacket struct {
	data []byte
	addr net.Addr
}

// Writer is the dedicated socket-send worker. Socket writes can block
// briefly under load; queueing through Writer keeps that off the logic
// path. The queue is bounded: when full, droppable packets are discarded
// and non-droppable enqueues report ErrQueueFull for the caller to
// resubmit.
type Writer struct {
	conn  net.PacketConn
	queue chan outPacket
	log   logging.LeveledLogger

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

// WriterConfig configures a Writer.
type WriterConfig struct {
	// Conn is the socket to write to. Required.
	Conn net.PacketConn

	// QueueSize bounds the queue. Defaults to DefaultQueueSize.
	QueueSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewWriter creates a writer worker for conn.
func NewWriter(config WriterConfig) *Writer {
	size := config.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	w := &Writer{
		conn:  config.Conn,
		queue: make(chan outPacket, size),
		done:  make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		w.log = config.LoggerFactory.NewLogger("transport-writer")
	}
	return w
}

// Start launches the send goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.sendLoop()
}

// Stop drains nothing: queued packets not yet written are abandoned, which
// matches datagram semantics.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.started {
		close(w.done)
	}
}

// Enqueue hands a packet to the worker without blocking.
func (w *Writer) Enqueue(data []byte, addr net.Addr, droppable bool) error {
	// The worker owns the buffer after this call.
	pkt := outPacket{data: data, addr: addr}
	select {
	case w.queue <- pkt:
		return nil
	default:
	}
	if droppable {
		if w.log != nil {
			w.log.Debugf("queue full, dropping %d bytes to %v", len(data), addr)
		}
		return nil
	}
	return ErrQueueFull
}

func (w *Writer) sendLoop() {
	for {
		select {
		case <-w.done:
			return
		case pkt := <-w.queue:
			if _, err := w.conn.WriteTo(pkt.data, pkt.addr); err != nil {
				if w.log != nil {
					w.log.Warnf("send to %v failed: %v", pkt.addr, err)
				}
			}
		}
	}
}

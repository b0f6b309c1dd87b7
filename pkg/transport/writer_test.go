package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

// chanConn is a net.PacketConn stub that surfaces writes on a channel.
type chanConn struct {
	writes chan outPacket
}

func newChanConn() *chanConn {
	return &chanConn{writes: make(chan outPacket, 16)}
}

func (c *chanConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	c.writes <- outPacket{data: append([]byte(nil), b...), addr: addr}
	return len(b), nil
}

func (c *chanConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {} // tests never read
}

func (c *chanConn) Close() error                       { return nil }
func (c *chanConn) LocalAddr() net.Addr                { return PipeAddr{ID: 0} }
func (c *chanConn) SetDeadline(t time.Time) error      { return nil }
func (c *chanConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *chanConn) SetWriteDeadline(t time.Time) error { return nil }

func TestWriterDelivers(t *testing.T) {
	conn := newChanConn()
	w := NewWriter(WriterConfig{Conn: conn})
	w.Start()
	defer w.Stop()

	addr := PipeAddr{ID: 1}
	if err := w.Enqueue([]byte{1, 2, 3}, addr, false); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case got := <-conn.writes:
		if !bytes.Equal(got.data, []byte{1, 2, 3}) || got.addr != net.Addr(addr) {
			t.Errorf("wrote %v to %v, want [1 2 3] to %v", got.data, got.addr, addr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the write")
	}
}

func TestWriterQueueBound(t *testing.T) {
	// The worker is never started, so the queue fills deterministically.
	w := NewWriter(WriterConfig{Conn: newChanConn(), QueueSize: 2})
	addr := PipeAddr{ID: 1}

	for i := 0; i < 2; i++ {
		if err := w.Enqueue([]byte{byte(i)}, addr, false); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	if err := w.Enqueue([]byte{9}, addr, false); err != ErrQueueFull {
		t.Errorf("non-droppable overflow error = %v, want ErrQueueFull", err)
	}
	if err := w.Enqueue([]byte{9}, addr, true); err != nil {
		t.Errorf("droppable overflow error = %v, want silent drop", err)
	}
}

func TestWriterStopIsIdempotent(t *testing.T) {
	w := NewWriter(WriterConfig{Conn: newChanConn()})
	w.Start()
	w.Stop()
	w.Stop()

	// Starting after stop must not revive the worker.
	w.Start()
	if err := w.Enqueue([]byte{1}, PipeAddr{ID: 1}, true); err != nil {
		t.Errorf("Enqueue after stop error = %v, want silent accept", err)
	}
}

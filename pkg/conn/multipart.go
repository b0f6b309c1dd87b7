package conn

import "github.com/netplaykit/netplay/pkg/wire"

// multipartChunk is the payload room left in a fragment after its tag byte.
const multipartChunk = wire.MaxPacketPayload - 1

// sendMultipart splits an oversized payload into a chain of tagged
// fragments, each sent as its own reliable message. Every fragment fits a
// single packet by construction, so the recursion through SendReliable
// bottoms out immediately.
func (c *Connection) sendMultipart(payload []byte) error {
	for len(payload) > 0 {
		n := len(payload)
		tag := wire.TagMultipartEnd
		if n > multipartChunk {
			n = multipartChunk
			tag = wire.TagMultipart
		}
		frag := make([]byte, 1+n)
		frag[0] = tag
		copy(frag[1:], payload[:n])
		payload = payload[n:]

		if err := c.SendReliable(frag); err != nil {
			return err
		}
	}
	return nil
}

// deliverReliable routes one in-order reliable payload: multipart fragments
// feed the accumulator, everything else goes up as a complete message.
func (c *Connection) deliverReliable(payload []byte) {
	switch payload[0] {
	case wire.TagMultipart:
		c.appendMultipart(payload[1:])
	case wire.TagMultipartEnd:
		if !c.appendMultipart(payload[1:]) {
			return
		}
		buf := c.multipart
		c.multipart = nil
		if len(buf) == 0 {
			c.Error("empty multipart message from peer")
			return
		}
		// Re-dispatch the reassembled buffer as a single message. A
		// multipart marker inside it would recurse forever; that is a
		// protocol violation, not a legal nesting.
		if buf[0] == wire.TagMultipart || buf[0] == wire.TagMultipartEnd {
			c.Error("nested multipart message from peer")
			return
		}
		c.deliverComplete(buf)
	default:
		c.deliverComplete(payload)
	}
}

// appendMultipart grows the accumulator, enforcing the safety ceiling.
// Returns false if the connection was errored.
func (c *Connection) appendMultipart(chunk []byte) bool {
	if len(c.multipart)+len(chunk) > maxMultipartBuffer {
		c.multipart = nil
		c.Error("multipart message too large")
		return false
	}
	c.multipart = append(c.multipart, chunk...)
	return true
}

// deliverComplete hands a complete payload to the application layer.
// Null filler is consumed here; all other tags pass through unopened.
func (c *Connection) deliverComplete(payload []byte) {
	if payload[0] == wire.TagNull {
		return
	}
	if c.cfg.OnReliablePayload != nil {
		c.cfg.OnReliablePayload(payload)
	}
}

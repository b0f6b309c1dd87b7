package wire

import "container/heap"

// The compressor is a static-dictionary Huffman coder: both peers build the
// same code table from a fixed byte-frequency dictionary, so no tree is
// shipped on the wire. The table was measured from typical session traffic
// and heavily favors zero and small byte values.
//
// Compressed layout: a 1-byte control header followed by the bit stream.
// Control bit 7 set means the body is Huffman bits, with bits 0-2 holding
// the count of padding bits in the final byte. Control byte 0 means the
// body is stored raw (used when coding would not shrink the packet).

const (
	ctlCompressed   = 0x80
	ctlPadMask      = 0x07
	maxDecompressed = MaxPacketSize
)

// byteFrequencies is the static dictionary. Protocol constant: both ends
// must build identical code tables from it.
var byteFrequencies = [256]uint32{
	3754, 1147, 1051, 929, 817, 715, 615, 454,
	351, 381, 352, 340, 340, 329, 330, 281,
	266, 278, 259, 239, 225, 244, 251, 246,
	224, 210, 162, 188, 165, 158, 161, 157,
	181, 152, 181, 142, 174, 145, 144, 143,
	152, 155, 178, 141, 168, 159, 167, 176,
	150, 171, 152, 178, 155, 168, 137, 142,
	165, 153, 162, 171, 140, 151, 155, 149,
	166, 152, 135, 138, 169, 139, 158, 139,
	150, 156, 136, 133, 131, 144, 144, 134,
	160, 154, 155, 156, 133, 165, 169, 141,
	145, 149, 133, 147, 148, 127, 153, 134,
	134, 141, 132, 126, 128, 154, 156, 136,
	159, 136, 152, 156, 135, 131, 149, 147,
	129, 147, 148, 135, 121, 138, 158, 140,
	121, 133, 131, 145, 157, 155, 125, 121,
	34, 36, 44, 38, 30, 54, 49, 40,
	39, 42, 32, 32, 32, 36, 48, 50,
	37, 30, 49, 41, 41, 49, 44, 34,
	48, 45, 48, 34, 42, 35, 50, 34,
	39, 37, 49, 37, 53, 36, 35, 53,
	50, 47, 36, 51, 42, 45, 49, 32,
	43, 31, 33, 33, 31, 46, 38, 37,
	53, 52, 42, 38, 43, 49, 45, 39,
	46, 35, 53, 32, 34, 37, 45, 47,
	50, 49, 49, 32, 38, 36, 36, 53,
	30, 32, 38, 43, 44, 37, 31, 31,
	35, 39, 41, 46, 48, 34, 32, 41,
	34, 44, 40, 51, 53, 52, 46, 48,
	34, 48, 31, 30, 45, 41, 52, 39,
	31, 30, 49, 50, 32, 45, 32, 53,
	39, 40, 34, 32, 32, 44, 47, 41,
}

// huffNode is a node in the code tree. Leaves have sym in [0, 255].
type huffNode struct {
	freq        uint32
	order       int // insertion order, for deterministic tie-breaking
	sym         int16
	left, right *huffNode
}

type huffHeap []*huffNode

func (h huffHeap) Len() int { return len(h) }
func (h huffHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].order < h[j].order
}
func (h huffHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *huffHeap) Push(x interface{}) { *h = append(*h, x.(*huffNode)) }
func (h *huffHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

type huffCode struct {
	bits uint32
	n    uint8
}

type huffman struct {
	root  *huffNode
	codes [256]huffCode
}

func newHuffman(freqs *[256]uint32) *huffman {
	h := make(huffHeap, 0, 256)
	order := 0
	for i := 0; i < 256; i++ {
		h = append(h, &huffNode{freq: freqs[i], order: order, sym: int16(i)})
		order++
	}
	heap.Init(&h)
	for h.Len() > 1 {
		a := heap.Pop(&h).(*huffNode)
		b := heap.Pop(&h).(*huffNode)
		heap.Push(&h, &huffNode{
			freq:  a.freq + b.freq,
			order: order,
			sym:   -1,
			left:  a,
			right: b,
		})
		order++
	}
	c := &huffman{root: h[0]}
	c.assign(c.root, 0, 0)
	return c
}

func (c *huffman) assign(n *huffNode, bits uint32, depth uint8) {
	if n.sym >= 0 {
		c.codes[n.sym] = huffCode{bits: bits, n: depth}
		return
	}
	c.assign(n.left, bits<<1, depth+1)
	c.assign(n.right, bits<<1|1, depth+1)
}

var defaultCoder = newHuffman(&byteFrequencies)

// Compress applies the static Huffman code to data, returning a new buffer
// with the 1-byte control header. If coding would not shrink the packet the
// data is stored raw, so Compress never expands by more than one byte.
func Compress(data []byte) []byte {
	var totalBits int
	for _, b := range data {
		totalBits += int(defaultCoder.codes[b].n)
	}
	coded := (totalBits + 7) / 8

	if coded >= len(data) {
		out := make([]byte, 1+len(data))
		copy(out[1:], data)
		return out
	}

	out := make([]byte, 1+coded)
	pad := coded*8 - totalBits
	out[0] = ctlCompressed | byte(pad)

	var acc uint64
	var nacc uint
	pos := 1
	for _, b := range data {
		code := defaultCoder.codes[b]
		acc = acc<<code.n | uint64(code.bits)
		nacc += uint(code.n)
		for nacc >= 8 {
			nacc -= 8
			out[pos] = byte(acc >> nacc)
			pos++
		}
	}
	if nacc > 0 {
		out[pos] = byte(acc << (8 - nacc))
	}
	return out
}

// Decompress reverses Compress. Inputs are attacker-controlled: every
// failure mode returns ErrCorruptData (or ErrPacketTooLong when the decoded
// size exceeds the packet ceiling) rather than panicking.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, ErrCorruptData
	}
	ctl := data[0]
	body := data[1:]

	if ctl == 0 {
		out := make([]byte, len(body))
		copy(out, body)
		if len(out) > maxDecompressed {
			return nil, ErrPacketTooLong
		}
		return out, nil
	}

	if ctl&ctlCompressed == 0 || ctl&^(ctlCompressed|ctlPadMask) != 0 {
		return nil, ErrCorruptData
	}
	pad := int(ctl & ctlPadMask)
	totalBits := len(body)*8 - pad
	if totalBits < 0 {
		return nil, ErrCorruptData
	}

	out := make([]byte, 0, len(body)*2)
	node := defaultCoder.root
	for i := 0; i < totalBits; i++ {
		bit := body[i/8] >> (7 - i%8) & 1
		if bit == 0 {
			node = node.left
		} else {
			node = node.right
		}
		if node.sym >= 0 {
			out = append(out, byte(node.sym))
			if len(out) > maxDecompressed {
				return nil, ErrPacketTooLong
			}
			node = defaultCoder.root
		}
	}
	if node != defaultCoder.root {
		// Bit stream ended mid-symbol.
		return nil, ErrCorruptData
	}
	return out, nil
}

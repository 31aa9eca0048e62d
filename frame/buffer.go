// Package frame holds the Ethernet frame buffers that travel between drivers,
// the interface bridge and the protocol stack.
//
// A Buffer has exactly one owner at a time. Whoever holds it must either hand
// it on (to a queue, the stack or a driver contract that consumes it) or call
// Release, never both.
package frame

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// EthernetHeaderSize is destination (6) + source (6) + EtherType (2).
	EthernetHeaderSize = 14
	// DefaultHeadroom leaves space for an Ethernet header plus alignment.
	DefaultHeadroom = 16
	// DefaultMTU is the Ethernet payload size used when a driver reports none.
	DefaultMTU = 1500
)

var (
	ErrOutOfRange = errors.New("header offset out of range")
	ErrNoHeadroom = errors.New("not enough headroom")
)

// Buffer is one frame plus a movable header offset. Bytes returns the data
// from the current offset, so stripping a parsed header is Advance and adding
// one is Prepend; neither copies the payload.
type Buffer struct {
	data     []byte
	offset   int
	released atomic.Bool
	pool     *Pool
}

// New wraps b in a Buffer that is not backed by a pool.
func New(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the frame contents starting at the header offset.
func (b *Buffer) Bytes() []byte {
	return b.data[b.offset:]
}

// Len is len(b.Bytes()).
func (b *Buffer) Len() int {
	return len(b.data) - b.offset
}

// Offset reports how far the header offset has been advanced.
func (b *Buffer) Offset() int {
	return b.offset
}

// Advance strips n bytes from the front.
func (b *Buffer) Advance(n int) error {
	if n < 0 || b.offset+n > len(b.data) {
		return fmt.Errorf("advance %d of %d: %w", n, b.Len(), ErrOutOfRange)
	}
	b.offset += n
	return nil
}

// Prepend moves the offset back by n bytes and returns the newly exposed
// header region. The region is whatever headroom or previously stripped
// header was there; callers overwrite it.
func (b *Buffer) Prepend(n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrOutOfRange
	}
	if n > b.offset {
		return nil, fmt.Errorf("prepend %d with %d available: %w", n, b.offset, ErrNoHeadroom)
	}
	b.offset -= n
	return b.data[b.offset : b.offset+n], nil
}

// Truncate drops everything after the first n bytes of Bytes.
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.Len() {
		return
	}
	b.data = b.data[:b.offset+n]
}

// Clone copies the visible bytes into a new buffer from the same pool.
func (b *Buffer) Clone() *Buffer {
	if b.pool != nil {
		c := b.pool.Get(b.Len())
		copy(c.Bytes(), b.Bytes())
		return c
	}
	return New(append([]byte(nil), b.Bytes()...))
}

// Release gives the buffer back. Releasing twice is an ownership bug and
// panics.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("frame: buffer released twice")
	}
	if b.pool != nil {
		b.pool.put(b)
	}
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Pool hands out buffers with a fixed headroom so the stack can prepend an
// Ethernet header to an IP packet without copying.
type Pool struct {
	headroom int
	size     int
	slabs    sync.Pool

	allocated atomic.Int64
	inUse     atomic.Int64
}

// NewPool returns a pool whose buffers can hold mtu bytes of payload plus an
// Ethernet header after headroom bytes.
func NewPool(mtu, headroom int) *Pool {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if headroom < 0 {
		headroom = DefaultHeadroom
	}
	p := &Pool{headroom: headroom, size: headroom + EthernetHeaderSize + mtu}
	p.slabs.New = func() interface{} {
		p.allocated.Add(1)
		return make([]byte, p.size)
	}
	return p
}

// Get returns a buffer whose Bytes has length n. Requests larger than the
// pool's slab size get a dedicated slice.
func (p *Pool) Get(n int) *Buffer {
	var slab []byte
	if p.headroom+n <= p.size {
		slab = p.slabs.Get().([]byte)
	} else {
		slab = make([]byte, p.headroom+n)
	}
	p.inUse.Add(1)
	return &Buffer{data: slab[:p.headroom+n], offset: p.headroom, pool: p}
}

// Headroom is the space reserved in front of every buffer.
func (p *Pool) Headroom() int {
	return p.headroom
}

// InUse counts buffers handed out and not yet released.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}

// Allocated counts slabs the pool had to create.
func (p *Pool) Allocated() int64 {
	return p.allocated.Load()
}

func (p *Pool) put(b *Buffer) {
	p.inUse.Add(-1)
	if cap(b.data) == p.size {
		p.slabs.Put(b.data[:cap(b.data)])
	}
	b.data = nil
	b.offset = 0
}

// Package mem provides reference-counted byte buffers shared between the
// framing engine, the codecs and the wire protocol, so message payloads can
// move through the stack without redundant copies.
package mem

import (
	"sync"
	"sync/atomic"
)

// Buffers at or below this size are cheaper to allocate directly than to
// manage through a pool.
const poolingThreshold = 1 << 10

var (
	bufferObjectPool = sync.Pool{New: func() any { return new(buffer) }}
	refObjectPool    = sync.Pool{New: func() any { return new(atomic.Int32) }}
)

// Buffer is an immutable view of a byte slice with manual lifetime
// management. Free returns pooled memory once the last reference is gone.
type Buffer interface {
	// ReadOnlyData returns the underlying byte slice. Callers must not
	// mutate it.
	ReadOnlyData() []byte
	// Ref increases the reference counter for this Buffer.
	Ref()
	// Free decrements the reference counter and recycles the underlying
	// slice when it reaches zero.
	Free()
	// Len returns the Buffer's size.
	Len() int
}

// NewBuffer wraps data in a Buffer with an initial reference count of one.
// Small slices are returned as plain SliceBuffers and skip pooling.
func NewBuffer(data *[]byte, pool BufferPool) Buffer {
	if pool == nil || cap(*data) <= poolingThreshold {
		return SliceBuffer(*data)
	}

	b := bufferObjectPool.Get().(*buffer)
	b.originData = data
	b.data = *data
	b.pool = pool
	b.refs = refObjectPool.Get().(*atomic.Int32)
	b.refs.Add(1)
	return b
}

// Copy returns a Buffer holding a copy of data with a reference count of one.
func Copy(data []byte, pool BufferPool) Buffer {
	if len(data) <= poolingThreshold {
		buf := make(SliceBuffer, len(data))
		copy(buf, data)
		return buf
	}

	buf := pool.Get(len(data))
	copy(*buf, data)
	return NewBuffer(buf, pool)
}

type buffer struct {
	originData *[]byte
	data       []byte
	refs       *atomic.Int32
	pool       BufferPool
}

func (b *buffer) ReadOnlyData() []byte {
	if b.refs == nil {
		panic("mem: cannot read freed buffer")
	}
	return b.data
}

func (b *buffer) Ref() {
	if b.refs == nil {
		panic("mem: cannot ref freed buffer")
	}
	b.refs.Add(1)
}

func (b *buffer) Free() {
	if b.refs == nil {
		panic("mem: cannot free freed buffer")
	}

	refs := b.refs.Add(-1)
	switch {
	case refs > 0:
	case refs == 0:
		if b.pool != nil {
			b.pool.Put(b.originData)
		}
		refObjectPool.Put(b.refs)
		b.originData = nil
		b.data = nil
		b.refs = nil
		b.pool = nil
		bufferObjectPool.Put(b)
	default:
		panic("mem: cannot free freed buffer")
	}
}

func (b *buffer) Len() int {
	return len(b.ReadOnlyData())
}

// SliceBuffer is a Buffer backed directly by a byte slice, used below the
// pooling threshold where reference counting buys nothing.
type SliceBuffer []byte

func (s SliceBuffer) ReadOnlyData() []byte { return s }
func (s SliceBuffer) Ref()                 {}
func (s SliceBuffer) Free()                {}
func (s SliceBuffer) Len() int             { return len(s) }

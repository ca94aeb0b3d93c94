package mem

import "sync"

// BufferPool hands out byte slices of at least the requested length and
// takes them back for reuse.
type BufferPool interface {
	// Get returns a slice of the given length.
	Get(length int) *[]byte
	// Put returns a slice to the pool.
	Put(*[]byte)
}

var defaultPool BufferPool = NewTieredBufferPool(
	1<<12, // 4KiB
	1<<16, // 64KiB
	1<<20, // 1MiB
)

// DefaultBufferPool returns the shared process-wide pool.
func DefaultBufferPool() BufferPool {
	return defaultPool
}

// NewTieredBufferPool returns a pool that keeps one sync.Pool per size
// class and falls back to plain allocation above the largest class.
func NewTieredBufferPool(sizes ...int) BufferPool {
	pools := make([]*sizedPool, len(sizes))
	for i, s := range sizes {
		pools[i] = newSizedPool(s)
	}
	return &tieredBufferPool{pools: pools}
}

type tieredBufferPool struct {
	pools []*sizedPool
}

func (p *tieredBufferPool) Get(length int) *[]byte {
	for _, sp := range p.pools {
		if length <= sp.size {
			buf := sp.pool.Get().(*[]byte)
			*buf = (*buf)[:length]
			return buf
		}
	}
	buf := make([]byte, length)
	return &buf
}

func (p *tieredBufferPool) Put(buf *[]byte) {
	for _, sp := range p.pools {
		if cap(*buf) == sp.size {
			*buf = (*buf)[:cap(*buf)]
			sp.pool.Put(buf)
			return
		}
	}
	// Not one of ours, let the GC have it.
}

type sizedPool struct {
	size int
	pool sync.Pool
}

func newSizedPool(size int) *sizedPool {
	sp := &sizedPool{size: size}
	sp.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return sp
}

package bytebuf

import (
	"bytes"
	"sync"
)

// DefaultInitialSize is the starting capacity of freshly allocated buffers.
// Most protocol packets fit well below it.
const DefaultInitialSize = 256

// PooledAllocator recycles buffers through a sync.Pool.
// This is the default allocator.
type PooledAllocator struct {
	pool  sync.Pool
	stats allocatorStatsCollector
}

var _ Allocator = (*PooledAllocator)(nil)

// NewPooledAllocator creates an allocator whose new buffers start with
// initialSize bytes of capacity. A non-positive size uses DefaultInitialSize.
func NewPooledAllocator(initialSize int) *PooledAllocator {
	if initialSize <= 0 {
		initialSize = DefaultInitialSize
	}
	return &PooledAllocator{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

func (a *PooledAllocator) Buffer() *ByteBuf {
	a.stats.recordAllocate()
	return &ByteBuf{buf: a.pool.Get().(*bytes.Buffer), release: a.put}
}

func (a *PooledAllocator) put(buf *bytes.Buffer) {
	a.stats.recordRelease()
	if buf.Cap() > MaxRetainedSize {
		return
	}
	buf.Reset()
	a.pool.Put(buf)
}

// Stats returns a snapshot of allocator statistics.
func (a *PooledAllocator) Stats() AllocatorStats {
	return a.stats.snapshot()
}

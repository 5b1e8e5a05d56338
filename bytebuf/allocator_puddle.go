package bytebuf

import (
	"bytes"
	"context"

	"github.com/jackc/puddle/v2"
)

// PuddleAllocator keeps at most maxSize buffers alive in a puddle pool.
// It never blocks: when every pooled buffer is in use the request is served
// with an unpooled buffer and counted as overflow, while puddle grows the pool
// in the background up to its limit.
type PuddleAllocator struct {
	pool        *puddle.Pool[*bytes.Buffer]
	initialSize int
	stats       allocatorStatsCollector
}

var _ Allocator = (*PuddleAllocator)(nil)

// NewPuddleAllocator creates a bounded allocator.
func NewPuddleAllocator(initialSize int, maxSize int32) (*PuddleAllocator, error) {
	if initialSize <= 0 {
		initialSize = DefaultInitialSize
	}

	a := &PuddleAllocator{initialSize: initialSize}

	pool, err := puddle.NewPool(&puddle.Config[*bytes.Buffer]{
		Constructor: func(ctx context.Context) (*bytes.Buffer, error) {
			return bytes.NewBuffer(make([]byte, 0, initialSize)), nil
		},
		Destructor: func(*bytes.Buffer) {},
		MaxSize:    maxSize,
	})
	if err != nil {
		return nil, err
	}
	a.pool = pool
	return a, nil
}

func (a *PuddleAllocator) Buffer() *ByteBuf {
	a.stats.recordAllocate()

	res, err := a.pool.TryAcquire(context.Background())
	if err != nil {
		// ErrNotAvailable or ErrClosed: hand out a buffer the pool never sees.
		a.stats.recordOverflow()
		return &ByteBuf{
			buf:     bytes.NewBuffer(make([]byte, 0, a.initialSize)),
			release: func(*bytes.Buffer) { a.stats.recordRelease() },
		}
	}

	return &ByteBuf{
		buf: res.Value(),
		release: func(buf *bytes.Buffer) {
			a.stats.recordRelease()
			if buf.Cap() > MaxRetainedSize {
				res.Destroy()
				return
			}
			buf.Reset()
			res.Release()
		},
	}
}

// Stats returns a snapshot of allocator statistics.
func (a *PuddleAllocator) Stats() AllocatorStats {
	return a.stats.snapshot()
}

// Close destroys the pooled buffers. It blocks until every pooled buffer has
// been released.
func (a *PuddleAllocator) Close() {
	a.pool.Close()
}

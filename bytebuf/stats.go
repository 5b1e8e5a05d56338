package bytebuf

import "sync/atomic"

// AllocatorStats contains statistics about an allocator.
//
// For Prometheus integration, expose these as:
//   - Counters: Allocated, Released, Overflow
//   - Gauge: Outstanding()
type AllocatorStats struct {
	Allocated uint64 // Buffers handed out
	Released  uint64 // Buffers given back
	Overflow  uint64 // Buffers served outside a bounded pool
}

// Outstanding returns the number of buffers handed out and not yet released.
func (s AllocatorStats) Outstanding() int64 {
	return int64(s.Allocated) - int64(s.Released)
}

// allocatorStatsCollector updates allocator counters. Not exported - allocators
// update their own stats.
type allocatorStatsCollector struct {
	allocated atomic.Uint64
	released  atomic.Uint64
	overflow  atomic.Uint64
}

func (c *allocatorStatsCollector) recordAllocate() {
	c.allocated.Add(1)
}

func (c *allocatorStatsCollector) recordRelease() {
	c.released.Add(1)
}

func (c *allocatorStatsCollector) recordOverflow() {
	c.overflow.Add(1)
}

func (c *allocatorStatsCollector) snapshot() AllocatorStats {
	return AllocatorStats{
		Allocated: c.allocated.Load(),
		Released:  c.released.Load(),
		Overflow:  c.overflow.Load(),
	}
}

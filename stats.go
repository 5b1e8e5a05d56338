package viapipe

import "sync/atomic"

// EncoderStats contains statistics about an EncodeHandler.
// All fields are safe for concurrent access.
type EncoderStats struct {
	Encoded           uint64 // Packets transformed and passed on
	Skipped           uint64 // Packets passed on untouched (transform not needed)
	Cancelled         uint64 // Packets dropped
	CompressionChecks uint64 // Compression order inspections (at most one)
	Reordered         uint64 // Pipeline reorders performed (at most one)
	Recompressed      uint64 // Packets compressed again after the transform
}

type encoderStatsCollector struct {
	stats EncoderStats
}

func (c *encoderStatsCollector) recordEncode() {
	atomic.AddUint64(&c.stats.Encoded, 1)
}

func (c *encoderStatsCollector) recordSkip() {
	atomic.AddUint64(&c.stats.Skipped, 1)
}

func (c *encoderStatsCollector) recordCancel() {
	atomic.AddUint64(&c.stats.Cancelled, 1)
}

func (c *encoderStatsCollector) recordCompressionCheck() {
	atomic.AddUint64(&c.stats.CompressionChecks, 1)
}

func (c *encoderStatsCollector) recordReorder() {
	atomic.AddUint64(&c.stats.Reordered, 1)
}

func (c *encoderStatsCollector) recordRecompress() {
	atomic.AddUint64(&c.stats.Recompressed, 1)
}

// snapshot returns a point-in-time copy of the stats
func (c *encoderStatsCollector) snapshot() EncoderStats {
	return EncoderStats{
		Encoded:           atomic.LoadUint64(&c.stats.Encoded),
		Skipped:           atomic.LoadUint64(&c.stats.Skipped),
		Cancelled:         atomic.LoadUint64(&c.stats.Cancelled),
		CompressionChecks: atomic.LoadUint64(&c.stats.CompressionChecks),
		Reordered:         atomic.LoadUint64(&c.stats.Reordered),
		Recompressed:      atomic.LoadUint64(&c.stats.Recompressed),
	}
}

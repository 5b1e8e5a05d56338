// Package coarsetime provides a coarse clock for hot paths that record
// activity timestamps. The current time is refreshed every 50ms by a
// background goroutine.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Value

func init() {
	now.Store(time.Now())

	ticker := time.NewTicker(tick)
	go func() {
		for range ticker.C {
			now.Store(time.Now())
		}
	}()
}

// Now returns the current time, at most 50ms old.
func Now() time.Time {
	return now.Load().(time.Time)
}

// Since returns the time elapsed since t, measured on the coarse clock.
// It never returns a negative duration.
func Since(t time.Time) time.Duration {
	d := Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

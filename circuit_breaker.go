package viapipe

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// NewFailureBreakerConfig returns a function that creates transform breakers
// for connections. A breaker opens after maxFailures consecutive transform
// failures and lets a single packet through once timeout has elapsed.
// Cancelled packets and failures already handled elsewhere count as
// successes.
func NewFailureBreakerConfig(maxFailures uint32, interval, timeout time.Duration) func(connID string) *gobreaker.CircuitBreaker[struct{}] {
	return func(connID string) *gobreaker.CircuitBreaker[struct{}] {
		settings := gobreaker.Settings{
			Name:        connID,
			MaxRequests: 1,
			Interval:    interval,
			Timeout:     timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrCancelPacket) || IsCancelled(err) || IsBenign(err)
			},
		}
		return gobreaker.NewCircuitBreaker[struct{}](settings)
	}
}

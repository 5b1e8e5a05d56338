package viapipe

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFailureBreakerConfig(t *testing.T) {
	newBreaker := NewFailureBreakerConfig(3, time.Second, time.Second)

	cb := newBreaker("player-1")
	require.NotNil(t, cb)
	assert.Equal(t, "player-1", cb.Name())
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.NotSame(t, cb, newBreaker("player-1"))
}

func TestFailureBreaker_Trips(t *testing.T) {
	cb := NewFailureBreakerConfig(3, 0, time.Hour)("test")
	fail := func() (struct{}, error) { return struct{}{}, errors.New("failure") }

	for range 2 {
		_, err := cb.Execute(fail)
		require.Error(t, err)
		assert.Equal(t, gobreaker.StateClosed, cb.State())
	}

	_, err := cb.Execute(fail)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err = cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestFailureBreaker_CancellationsAreSuccesses(t *testing.T) {
	cb := NewFailureBreakerConfig(2, 0, time.Hour)("test")

	for _, err := range []error{ErrCancelPacket, Cancelled(nil), ErrCancelPacket} {
		_, got := cb.Execute(func() (struct{}, error) { return struct{}{}, err })
		require.Error(t, got)
		assert.Equal(t, gobreaker.StateClosed, cb.State())
	}
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
	assert.Equal(t, uint32(3), cb.Counts().TotalSuccesses)
}

func TestFailureBreaker_BenignFailuresAreSuccesses(t *testing.T) {
	cb := NewFailureBreakerConfig(1, 0, time.Hour)("test")

	_, err := cb.Execute(func() (struct{}, error) { return struct{}{}, Benign(errors.New("handled")) })
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, uint32(0), cb.Counts().TotalFailures)
}

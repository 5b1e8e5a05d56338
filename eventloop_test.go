package viapipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoopSelector(t *testing.T) {
	t.Run("consistency", func(t *testing.T) {
		first := DefaultLoopSelector("player-123", 8)
		for range 4 {
			require.Equal(t, first, DefaultLoopSelector("player-123", 8))
		}
	})

	t.Run("bounds", func(t *testing.T) {
		ids := []string{"a", "b", "c", "a-long-connection-identifier"}
		for _, id := range ids {
			for _, count := range []int{1, 2, 5, 16} {
				result := DefaultLoopSelector(id, count)
				require.True(t, result >= 0 && result < count, "out of bounds: id=%s, loops=%d, result=%d", id, count, result)
			}
		}
		require.Equal(t, 0, DefaultLoopSelector("a", 0))
	})

	t.Run("distribution", func(t *testing.T) {
		loops := 8
		distribution := make(map[int]int)
		for i := range 400 {
			distribution[DefaultLoopSelector(fmt.Sprintf("conn-%d", i), loops)]++
		}
		require.Len(t, distribution, loops)
		for loop, count := range distribution {
			require.True(t, count <= 100, "unbalanced distribution: loop %d has %d connections", loop, count)
		}
	})
}

func TestEventLoopGroup_Next(t *testing.T) {
	g := NewEventLoopGroup(EventLoopGroupConfig{Size: 4})
	defer g.Close()

	require.Len(t, g.Loops(), 4)
	loop := g.Next("player-1")
	assert.Same(t, loop, g.Next("player-1"))
	assert.Same(t, g.Loops()[loop.Index()], loop)

	g2 := NewEventLoopGroup(EventLoopGroupConfig{
		Size:     3,
		Selector: func(connID string, loopCount int) int { return 2 },
	})
	defer g2.Close()
	assert.Equal(t, 2, g2.Next("any").Index())
}

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	g := NewEventLoopGroup(EventLoopGroupConfig{Size: 1, QueueSize: 4})
	loop := g.Loops()[0]

	var mu sync.Mutex
	var order []int
	for i := range 100 {
		require.NoError(t, loop.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	g.Close()

	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestEventLoop_Submit(t *testing.T) {
	g := NewEventLoopGroup(EventLoopGroupConfig{Size: 1})
	defer g.Close()
	loop := g.Loops()[0]
	ctx := context.Background()

	require.NoError(t, loop.Submit(ctx, func() error { return nil }))

	failure := errors.New("task failed")
	require.ErrorIs(t, loop.Submit(ctx, func() error { return failure }), failure)

	err := loop.Submit(ctx, func() error { panic("boom") })
	require.ErrorContains(t, err, "panicked")

	// The loop survives panics.
	require.NoError(t, loop.Execute(func() { panic("again") }))
	require.NoError(t, loop.Submit(ctx, func() error { return nil }))
}

func TestEventLoop_SubmitContextDone(t *testing.T) {
	g := NewEventLoopGroup(EventLoopGroupConfig{Size: 1})
	defer g.Close()
	loop := g.Loops()[0]

	release := make(chan struct{})
	require.NoError(t, loop.Execute(func() { <-release }))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := loop.Submit(ctx, func() error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventLoop_Closed(t *testing.T) {
	g := NewEventLoopGroup(EventLoopGroupConfig{Size: 1})
	loop := g.Loops()[0]

	ran := false
	require.NoError(t, loop.Execute(func() { ran = true }))
	g.Close()
	assert.True(t, ran, "queued tasks run before Close returns")

	require.ErrorIs(t, loop.Execute(func() {}), ErrLoopClosed)
	require.ErrorIs(t, loop.Submit(context.Background(), func() error { return nil }), ErrLoopClosed)
	loop.Close()
}

package viapipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/pior/viapipe/internal"
	"github.com/zeebo/xxh3"
)

var ErrLoopClosed = errors.New("viapipe: event loop closed")

// LoopSelector picks the event loop serving a connection.
type LoopSelector func(connID string, loopCount int) int

// DefaultLoopSelector uses Jump Hash over the xxh3 hash of the connection id,
// so a connection always lands on the same loop.
func DefaultLoopSelector(connID string, loopCount int) int {
	return internal.JumpHash(xxh3.HashString(connID), loopCount)
}

// EventLoopGroupConfig holds configuration for an EventLoopGroup.
type EventLoopGroupConfig struct {
	// Size is the number of loops.
	// If zero, runtime.GOMAXPROCS(0) is used.
	Size int

	// QueueSize is the number of tasks a loop buffers before Execute blocks.
	// If zero, 256 is used.
	QueueSize int

	// Selector assigns connections to loops.
	// If nil, DefaultLoopSelector is used.
	Selector LoopSelector

	// Logger receives task panics.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// EventLoopGroup is a fixed set of event loops. Every pipeline is bound to one
// loop, which runs all of its message processing.
type EventLoopGroup struct {
	loops    []*EventLoop
	selector LoopSelector
}

// NewEventLoopGroup starts the loops of a group.
func NewEventLoopGroup(config EventLoopGroupConfig) *EventLoopGroup {
	if config.Size <= 0 {
		config.Size = runtime.GOMAXPROCS(0)
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Selector == nil {
		config.Selector = DefaultLoopSelector
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	g := &EventLoopGroup{
		loops:    make([]*EventLoop, config.Size),
		selector: config.Selector,
	}
	for i := range g.loops {
		g.loops[i] = newEventLoop(i, config.QueueSize, config.Logger)
	}
	return g
}

// Next returns the loop serving the connection connID.
func (g *EventLoopGroup) Next(connID string) *EventLoop {
	return g.loops[g.selector(connID, len(g.loops))]
}

// Loops returns all loops of the group.
func (g *EventLoopGroup) Loops() []*EventLoop {
	return g.loops
}

// Close stops every loop once its queued tasks have run.
func (g *EventLoopGroup) Close() {
	for _, l := range g.loops {
		l.Close()
	}
}

// EventLoop runs tasks one at a time, in submission order, on its own
// goroutine.
type EventLoop struct {
	index  int
	tasks  chan func()
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newEventLoop(index, queueSize int, logger *slog.Logger) *EventLoop {
	l := &EventLoop{
		index:  index,
		tasks:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logger: logger.With("loop", index),
	}
	go l.run()
	return l
}

// Index returns the position of the loop in its group.
func (l *EventLoop) Index() int {
	return l.index
}

func (l *EventLoop) run() {
	defer close(l.done)
	for task := range l.tasks {
		l.runTask(task)
	}
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("viapipe: event loop task panicked", "panic", r)
		}
	}()
	task()
}

// Execute queues fn without waiting for it to run. It blocks while the queue
// is full.
func (l *EventLoop) Execute(fn func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLoopClosed
	}
	l.tasks <- fn
	return nil
}

// Submit runs fn on the loop and waits for its result. It must not be called
// from a task of the same loop.
func (l *EventLoop) Submit(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("viapipe: task panicked: %v", r)
			}
		}()
		result <- fn()
	}

	if err := l.enqueue(ctx, task); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *EventLoop) enqueue(ctx context.Context, task func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ErrLoopClosed
	}
	select {
	case l.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks and waits for the queued ones to run.
func (l *EventLoop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.tasks)
	}
	l.mu.Unlock()
	<-l.done
}

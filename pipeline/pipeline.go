package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/pior/viapipe/bytebuf"
)

var (
	ErrDuplicateName = errors.New("pipeline: duplicate stage name")
	ErrNoSuchStage   = errors.New("pipeline: no such stage")
	ErrNilHandler    = errors.New("pipeline: nil handler")
	ErrClosed        = errors.New("pipeline: closed")
)

// Handler is a pipeline stage. See the package documentation for the
// interfaces the pipeline dispatches on.
type Handler any

// Encoder handles outbound messages. Encode writes its result into out; in
// is released by the pipeline after Encode returns.
type Encoder interface {
	Encode(ctx *Context, in, out *bytebuf.ByteBuf) error
}

// Decoder handles inbound messages. Decode must not release in.
type Decoder interface {
	Decode(ctx *Context, in *bytebuf.ByteBuf) ([]*bytebuf.ByteBuf, error)
}

// FailureHandler receives failures. A handler that does not absorb the failure
// passes it on with ctx.FireFailure.
type FailureHandler interface {
	OnFailure(ctx *Context, cause error)
}

// Config holds configuration for a Pipeline.
type Config struct {
	// Allocator provides output buffers for encoders.
	// If nil, a PooledAllocator is used.
	Allocator bytebuf.Allocator

	// Transport receives outbound messages that left the head of the pipeline.
	// If nil, outbound messages are discarded.
	Transport io.Writer

	// Inbound receives inbound messages that left the tail of the pipeline.
	// The message is released after Inbound returns.
	// If nil, inbound messages are discarded.
	Inbound func(msg *bytebuf.ByteBuf) error

	// OnUnhandledFailure is called with failures no FailureHandler absorbed.
	// If nil, they are logged.
	OnUnhandledFailure func(cause error)

	// Logger is used for pipeline diagnostics.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Pipeline is an ordered list of named stages. Structural operations are safe
// for concurrent use; message processing for one pipeline is expected to run
// on a single goroutine at a time.
type Pipeline struct {
	mu     sync.Mutex
	head   *Context
	tail   *Context
	byName map[string]*Context
	closed bool

	alloc     bytebuf.Allocator
	transport io.Writer
	inbound   func(msg *bytebuf.ByteBuf) error
	unhandled func(cause error)
	logger    *slog.Logger
}

// New creates an empty pipeline.
func New(config Config) *Pipeline {
	p := &Pipeline{
		byName:    make(map[string]*Context),
		alloc:     config.Allocator,
		transport: config.Transport,
		inbound:   config.Inbound,
		unhandled: config.OnUnhandledFailure,
		logger:    config.Logger,
	}
	if p.alloc == nil {
		p.alloc = bytebuf.NewPooledAllocator(0)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.unhandled == nil {
		p.unhandled = func(cause error) {
			p.logger.Warn("pipeline: failure reached the tail of the pipeline", "error", cause)
		}
	}

	p.head = &Context{name: "head", pipeline: p}
	p.tail = &Context{name: "tail", pipeline: p}
	p.head.next = p.tail
	p.tail.prev = p.head
	return p
}

// Allocator returns the allocator used for encoder output buffers.
func (p *Pipeline) Allocator() bytebuf.Allocator {
	return p.alloc
}

// AddFirst inserts a stage at the head of the pipeline.
func (p *Pipeline) AddFirst(name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertAfter(p.head, name, h)
}

// AddLast inserts a stage at the tail of the pipeline.
func (p *Pipeline) AddLast(name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.insertAfter(p.tail.prev, name, h)
}

// AddBefore inserts a stage immediately before (headward of) the stage named base.
func (p *Pipeline) AddBefore(base, name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.byName[base]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchStage, base)
	}
	return p.insertAfter(ctx.prev, name, h)
}

// AddAfter inserts a stage immediately after (tailward of) the stage named base.
func (p *Pipeline) AddAfter(base, name string, h Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.byName[base]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchStage, base)
	}
	return p.insertAfter(ctx, name, h)
}

// insertAfter links a new context after prev (must be called with lock held).
func (p *Pipeline) insertAfter(prev *Context, name string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}

	ctx := &Context{
		name:     name,
		handler:  h,
		pipeline: p,
		prev:     prev,
		next:     prev.next,
	}
	prev.next.prev = ctx
	prev.next = ctx
	p.byName[name] = ctx
	return nil
}

// Remove removes the stage of ctx. Stages are matched by context, never by
// handler value: two stages may hold equal handlers.
func (p *Pipeline) Remove(ctx *Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx == nil || ctx.pipeline != p || p.byName[ctx.name] != ctx {
		return ErrNoSuchStage
	}
	p.unlink(ctx)
	return nil
}

// RemoveName removes the stage named name and returns its handler.
func (p *Pipeline) RemoveName(name string) (Handler, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchStage, name)
	}
	p.unlink(ctx)
	return ctx.handler, nil
}

// unlink detaches ctx from the list but leaves its own links intact, so a
// message in flight at ctx can still find its way to the head
// (must be called with lock held).
func (p *Pipeline) unlink(ctx *Context) {
	ctx.prev.next = ctx.next
	ctx.next.prev = ctx.prev
	ctx.removed = true
	delete(p.byName, ctx.name)
}

// Get returns the handler of the stage named name, or nil.
func (p *Pipeline) Get(name string) Handler {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, ok := p.byName[name]; ok {
		return ctx.handler
	}
	return nil
}

// Context returns the context of the stage named name, or nil.
func (p *Pipeline) Context(name string) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byName[name]
}

// IndexOf returns the position of the stage named name counted from the head,
// or -1 if there is no such stage.
func (p *Pipeline) IndexOf(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := 0
	for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
		if ctx.name == name {
			return i
		}
		i++
	}
	return -1
}

// Names returns the stage names from head to tail.
func (p *Pipeline) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.byName))
	for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
		names = append(names, ctx.name)
	}
	return names
}

// Close removes every stage. Later writes fail with ErrClosed.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for ctx := p.head.next; ctx != p.tail; ctx = ctx.next {
		ctx.removed = true
	}
	p.head.next = p.tail
	p.tail.prev = p.head
	clear(p.byName)
}

func (p *Pipeline) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pipeline) prevOf(ctx *Context) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ctx.prev
}

func (p *Pipeline) nextOf(ctx *Context) *Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ctx.next
}

// WriteOutbound runs msg through every Encoder from tail to head and hands the
// result to the transport. It takes ownership of msg.
//
// A failing encoder stops the message: nothing reaches the stages closer to
// the head or the transport. The failure goes to the failing stage if it is a
// FailureHandler, otherwise it is fired toward the tail. The error is returned
// either way.
func (p *Pipeline) WriteOutbound(msg *bytebuf.ByteBuf) error {
	if p.isClosed() {
		msg.Release()
		return ErrClosed
	}
	return p.writeFrom(p.prevOf(p.tail), msg)
}

func (p *Pipeline) writeFrom(ctx *Context, msg *bytebuf.ByteBuf) error {
	for ctx != p.head {
		if enc, ok := ctx.handler.(Encoder); ok {
			out := p.alloc.Buffer()
			err := enc.Encode(ctx, msg, out)
			msg.Release()
			if err != nil {
				out.Release()
				p.raise(ctx, err)
				return err
			}
			msg = out
		}
		ctx = p.prevOf(ctx)
	}

	defer msg.Release()
	if p.transport == nil {
		return nil
	}
	_, err := msg.WriteTo(p.transport)
	return err
}

// FireInbound runs msg through every Decoder from head to tail and hands the
// results to the inbound sink. It takes ownership of msg.
func (p *Pipeline) FireInbound(msg *bytebuf.ByteBuf) error {
	if p.isClosed() {
		msg.Release()
		return ErrClosed
	}
	return p.readFrom(p.nextOf(p.head), msg)
}

func (p *Pipeline) readFrom(ctx *Context, msg *bytebuf.ByteBuf) error {
	for ctx != p.tail {
		dec, ok := ctx.handler.(Decoder)
		if !ok {
			ctx = p.nextOf(ctx)
			continue
		}

		outs, err := dec.Decode(ctx, msg)
		if !containsBuf(outs, msg) {
			msg.Release()
		}
		if err != nil {
			releaseAll(outs)
			p.raise(ctx, err)
			return err
		}

		next := p.nextOf(ctx)
		for i, out := range outs {
			if err := p.readFrom(next, out); err != nil {
				releaseAll(outs[i+1:])
				return err
			}
		}
		return nil
	}

	defer msg.Release()
	if p.inbound == nil {
		return nil
	}
	return p.inbound(msg)
}

// FireFailure fires cause from the head of the pipeline toward the tail.
func (p *Pipeline) FireFailure(cause error) {
	p.head.FireFailure(cause)
}

// raise delivers a failure raised by the stage at ctx.
func (p *Pipeline) raise(ctx *Context, cause error) {
	if fh, ok := ctx.handler.(FailureHandler); ok {
		fh.OnFailure(ctx, cause)
		return
	}
	ctx.FireFailure(cause)
}

func containsBuf(bufs []*bytebuf.ByteBuf, b *bytebuf.ByteBuf) bool {
	for _, buf := range bufs {
		if buf == b {
			return true
		}
	}
	return false
}

func releaseAll(bufs []*bytebuf.ByteBuf) {
	for _, buf := range bufs {
		buf.Release()
	}
}

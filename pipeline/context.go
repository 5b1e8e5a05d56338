package pipeline

import "github.com/pior/viapipe/bytebuf"

// Context binds a handler to its position in a pipeline.
type Context struct {
	name     string
	handler  Handler
	pipeline *Pipeline

	// guarded by pipeline.mu
	prev    *Context
	next    *Context
	removed bool
}

// Name returns the stage name.
func (c *Context) Name() string {
	return c.name
}

// Handler returns the stage handler.
func (c *Context) Handler() Handler {
	return c.handler
}

// Pipeline returns the pipeline this stage belongs (or belonged) to.
func (c *Context) Pipeline() *Pipeline {
	return c.pipeline
}

// Alloc returns the pipeline allocator.
func (c *Context) Alloc() bytebuf.Allocator {
	return c.pipeline.alloc
}

// Removed reports whether the stage has been removed from the pipeline.
func (c *Context) Removed() bool {
	c.pipeline.mu.Lock()
	defer c.pipeline.mu.Unlock()
	return c.removed
}

// FireFailure passes cause to the next FailureHandler toward the tail. If there
// is none, the pipeline's unhandled-failure hook is called.
func (c *Context) FireFailure(cause error) {
	p := c.pipeline
	for next := p.nextOf(c); next != nil && next != p.tail; next = p.nextOf(next) {
		if fh, ok := next.handler.(FailureHandler); ok {
			fh.OnFailure(next, cause)
			return
		}
	}
	p.unhandled(cause)
}

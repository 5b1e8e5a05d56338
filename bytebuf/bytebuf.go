// Package bytebuf provides the owned byte buffers that travel through a
// pipeline and the allocators that hand them out.
//
// A ByteBuf has exactly one owner at a time. Whoever holds it last is
// responsible for calling Release, which hands the memory back to the
// allocator it came from. Release only acts once; later calls report false.
package bytebuf

import (
	"bytes"
	"errors"
	"io"
)

// MaxRetainedSize is the largest buffer capacity an allocator keeps for reuse.
// Larger buffers are dropped on release so one huge packet does not pin memory.
const MaxRetainedSize = 1 << 20

var ErrReleased = errors.New("bytebuf: buffer already released")

// ByteBuf is a growable byte buffer with an explicit release lifecycle.
// It is not safe for concurrent use.
type ByteBuf struct {
	buf      *bytes.Buffer
	release  func(*bytes.Buffer)
	released bool
}

// Unpooled returns a buffer holding a copy of b that is not owned by any
// allocator. Releasing it only marks it dead.
func Unpooled(b []byte) *ByteBuf {
	buf := bytes.NewBuffer(make([]byte, 0, len(b)))
	buf.Write(b)
	return &ByteBuf{buf: buf}
}

func (b *ByteBuf) live() *bytes.Buffer {
	if b.released {
		panic(ErrReleased)
	}
	return b.buf
}

// Bytes returns the unread portion of the buffer. The slice aliases the
// buffer and is only valid until the next mutation or Release.
func (b *ByteBuf) Bytes() []byte {
	return b.live().Bytes()
}

// Len returns the number of unread bytes.
func (b *ByteBuf) Len() int {
	return b.live().Len()
}

// Write appends p to the buffer.
func (b *ByteBuf) Write(p []byte) (int, error) {
	return b.live().Write(p)
}

// WriteByte appends c to the buffer.
func (b *ByteBuf) WriteByte(c byte) error {
	return b.live().WriteByte(c)
}

// WriteBuf copies the unread bytes of src into b without consuming src.
func (b *ByteBuf) WriteBuf(src *ByteBuf) {
	b.live().Write(src.Bytes())
}

// ReadByte consumes and returns the next byte.
func (b *ByteBuf) ReadByte() (byte, error) {
	return b.live().ReadByte()
}

// Next consumes and returns the next n bytes (or fewer if the buffer is shorter).
func (b *ByteBuf) Next(n int) []byte {
	return b.live().Next(n)
}

// Reset empties the buffer but keeps its capacity.
func (b *ByteBuf) Reset() {
	b.live().Reset()
}

// WriteTo drains the buffer into w.
func (b *ByteBuf) WriteTo(w io.Writer) (int64, error) {
	return b.live().WriteTo(w)
}

// Release hands the buffer back to its allocator. It returns true on the
// call that actually released it and false on any later call.
func (b *ByteBuf) Release() bool {
	if b.released {
		return false
	}
	b.released = true
	buf := b.buf
	b.buf = nil
	if b.release != nil {
		b.release(buf)
	}
	return true
}

// Released reports whether Release has been called.
func (b *ByteBuf) Released() bool {
	return b.released
}

// Allocator hands out buffers. Implementations must be safe for concurrent use
// since one allocator usually serves every connection of a host.
type Allocator interface {
	Buffer() *ByteBuf
	Stats() AllocatorStats
}

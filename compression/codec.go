// Package compression provides the packet compression stages of a connection
// pipeline.
//
// A compressed packet is VarInt(dataLength) followed by a body. A dataLength of
// zero means the body is not compressed (the packet was below the threshold);
// otherwise dataLength is the size of the body once decompressed.
//
// The body codec is pluggable: zlib (the default, klauspost/compress) and LZ4
// block compression (pierrec/lz4) are provided.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
)

var (
	// ErrIncompressible is returned by a Codec that cannot shrink its input.
	// The encoder then sends the body uncompressed.
	ErrIncompressible = errors.New("compression: input is incompressible")

	ErrCorrupt = errors.New("compression: corrupt compressed body")
)

// Codec compresses packet bodies. A Codec keeps per-stream state and is not
// safe for concurrent use; give each stage its own.
type Codec interface {
	// Name identifies the codec in logs and errors.
	Name() string

	// Compress appends the compressed form of src to dst.
	Compress(dst, src []byte) ([]byte, error)

	// Decompress appends exactly size decompressed bytes to dst.
	Decompress(dst, src []byte, size int) ([]byte, error)
}

// ZlibCodec compresses with zlib. The writer and reader are reused across
// packets.
type ZlibCodec struct {
	level  int
	buf    bytes.Buffer
	writer *zlib.Writer
	reader io.ReadCloser
	src    bytes.Reader
}

var _ Codec = (*ZlibCodec)(nil)

// NewZlibCodec creates a zlib codec. level follows compress/flate
// (-1 default, 0 none, 1 fastest to 9 best).
func NewZlibCodec(level int) (*ZlibCodec, error) {
	w, err := zlib.NewWriterLevel(io.Discard, level)
	if err != nil {
		return nil, err
	}
	return &ZlibCodec{level: level, writer: w}, nil
}

func (c *ZlibCodec) Name() string {
	return "zlib"
}

func (c *ZlibCodec) Compress(dst, src []byte) ([]byte, error) {
	c.buf.Reset()
	c.writer.Reset(&c.buf)
	if _, err := c.writer.Write(src); err != nil {
		return dst, err
	}
	if err := c.writer.Close(); err != nil {
		return dst, err
	}
	return append(dst, c.buf.Bytes()...), nil
}

func (c *ZlibCodec) Decompress(dst, src []byte, size int) ([]byte, error) {
	c.src.Reset(src)
	if c.reader == nil {
		r, err := zlib.NewReader(&c.src)
		if err != nil {
			return dst, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		c.reader = r
	} else if err := c.reader.(zlib.Resetter).Reset(&c.src, nil); err != nil {
		return dst, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	start := len(dst)
	dst = slices.Grow(dst, size)[:start+size]
	if _, err := io.ReadFull(c.reader, dst[start:]); err != nil {
		return dst[:start], fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return dst, nil
}

// LZ4Codec compresses with stateless LZ4 blocks.
type LZ4Codec struct{}

var _ Codec = (*LZ4Codec)(nil)

// NewLZ4Codec creates an LZ4 block codec.
func NewLZ4Codec() *LZ4Codec {
	return &LZ4Codec{}
}

func (c *LZ4Codec) Name() string {
	return "lz4"
}

func (c *LZ4Codec) Compress(dst, src []byte) ([]byte, error) {
	bound := lz4.CompressBlockBound(len(src))
	start := len(dst)
	dst = slices.Grow(dst, bound)
	n, err := lz4.CompressBlock(src, dst[start:start+bound], nil)
	if err != nil {
		return dst[:start], err
	}
	if n == 0 || n >= len(src) {
		return dst[:start], ErrIncompressible
	}
	return dst[:start+n], nil
}

func (c *LZ4Codec) Decompress(dst, src []byte, size int) ([]byte, error) {
	start := len(dst)
	dst = slices.Grow(dst, size)[:start+size]
	n, err := lz4.UncompressBlock(src, dst[start:])
	if err != nil {
		return dst[:start], fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if n != size {
		return dst[:start], fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupt, size, n)
	}
	return dst, nil
}

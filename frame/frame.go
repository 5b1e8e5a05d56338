package frame

import (
	"bufio"
	"errors"
	"io"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/pipeline"
)

// MaxFrameSize is the largest frame length a three byte VarInt can carry.
const MaxFrameSize = 1<<21 - 1

var ErrFrameTooLarge = errors.New("frame: frame too large")

// Prepender is the outbound framing stage: it prefixes every message with its
// length.
type Prepender struct{}

var _ pipeline.Encoder = (*Prepender)(nil)

func (*Prepender) Encode(ctx *pipeline.Context, in, out *bytebuf.ByteBuf) error {
	if in.Len() > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [MaxVarIntLen]byte
	out.Write(AppendVarInt(header[:0], int32(in.Len())))
	out.WriteBuf(in)
	return nil
}

// ReadFrame reads one length-prefixed frame from r into a buffer from alloc.
// Frames longer than max (or MaxFrameSize when max <= 0) are rejected.
//
// Go errors returned:
//   - io.EOF: r ended cleanly between frames
//   - io.ErrUnexpectedEOF: r ended inside a frame
//   - ErrVarIntTooLong, ErrFrameTooLarge: the stream is corrupt, close it
func ReadFrame(r *bufio.Reader, alloc bytebuf.Allocator, max int) (*bytebuf.ByteBuf, error) {
	if max <= 0 {
		max = MaxFrameSize
	}

	length, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if length < 0 || int(length) > max {
		return nil, ErrFrameTooLarge
	}

	buf := alloc.Buffer()
	if _, err := io.CopyN(buf, r, int64(length)); err != nil {
		buf.Release()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload as one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var header [MaxVarIntLen]byte
	if _, err := w.Write(AppendVarInt(header[:0], int32(len(payload)))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

package compression

import (
	"errors"
	"fmt"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/frame"
	"github.com/pior/viapipe/pipeline"
)

const (
	// DefaultThreshold is the packet size from which bodies are compressed.
	DefaultThreshold = 256

	// MaxDataLength is the largest decompressed packet accepted.
	MaxDataLength = 8 << 20
)

var (
	ErrBadDataLength = errors.New("compression: badly compressed packet")
	ErrTooLarge      = errors.New("compression: packet exceeds maximum size")
)

// Encoder is the outbound compression stage.
type Encoder struct {
	codec     Codec
	threshold int
	scratch   []byte
}

var _ pipeline.Encoder = (*Encoder)(nil)

// NewEncoder creates a compression stage. Packets shorter than threshold are
// sent with an uncompressed body.
func NewEncoder(codec Codec, threshold int) *Encoder {
	return &Encoder{codec: codec, threshold: threshold}
}

// Threshold returns the compression threshold.
func (e *Encoder) Threshold() int {
	return e.threshold
}

// SetThreshold changes the compression threshold for the following packets.
func (e *Encoder) SetThreshold(threshold int) {
	e.threshold = threshold
}

func (e *Encoder) Encode(ctx *pipeline.Context, in, out *bytebuf.ByteBuf) error {
	size := in.Len()
	if size > MaxDataLength {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	var header [frame.MaxVarIntLen]byte
	if size < e.threshold {
		out.Write(frame.AppendVarInt(header[:0], 0))
		out.WriteBuf(in)
		return nil
	}

	compressed, err := e.codec.Compress(e.scratch[:0], in.Bytes())
	if errors.Is(err, ErrIncompressible) {
		out.Write(frame.AppendVarInt(header[:0], 0))
		out.WriteBuf(in)
		return nil
	}
	if err != nil {
		return fmt.Errorf("compression: %s compress: %w", e.codec.Name(), err)
	}
	if cap(compressed) <= bytebuf.MaxRetainedSize {
		e.scratch = compressed[:0]
	}

	out.Write(frame.AppendVarInt(header[:0], int32(size)))
	out.Write(compressed)
	return nil
}

// Decoder is the inbound decompression stage.
//
// An uncompressed body is returned in place: the length prefix is consumed
// from the input and the input itself is the result. A compressed body is
// inflated into a new buffer from the pipeline allocator.
type Decoder struct {
	codec     Codec
	threshold int
	scratch   []byte
}

var _ pipeline.Decoder = (*Decoder)(nil)

// NewDecoder creates a decompression stage. When threshold is positive,
// compressed packets declaring a size below it are rejected.
func NewDecoder(codec Codec, threshold int) *Decoder {
	return &Decoder{codec: codec, threshold: threshold}
}

// SetThreshold changes the validation threshold for the following packets.
func (d *Decoder) SetThreshold(threshold int) {
	d.threshold = threshold
}

func (d *Decoder) Decode(ctx *pipeline.Context, in *bytebuf.ByteBuf) ([]*bytebuf.ByteBuf, error) {
	if in.Len() == 0 {
		return nil, nil
	}

	dataLength, err := frame.ReadVarInt(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDataLength, err)
	}
	if dataLength == 0 {
		return []*bytebuf.ByteBuf{in}, nil
	}
	if dataLength < 0 || dataLength > MaxDataLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, dataLength)
	}
	if d.threshold > 0 && int(dataLength) < d.threshold {
		return nil, fmt.Errorf("%w: size %d is below threshold %d", ErrBadDataLength, dataLength, d.threshold)
	}

	inflated, err := d.codec.Decompress(d.scratch[:0], in.Bytes(), int(dataLength))
	if err != nil {
		return nil, fmt.Errorf("compression: %s decompress: %w", d.codec.Name(), err)
	}
	if cap(inflated) <= bytebuf.MaxRetainedSize {
		d.scratch = inflated[:0]
	}

	out := ctx.Alloc().Buffer()
	out.Write(inflated)
	return []*bytebuf.ByteBuf{out}, nil
}

package viapipe

import (
	"fmt"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/pipeline"
)

type orderState uint8

const (
	orderUnchecked orderState = iota
	orderChecked
)

// compressionOrder makes sure the encoder sees uncompressed packets.
//
// Some hosts install the compression stage between the encoder and the
// transport only after the encoder is in place, so the compress stage runs
// first on the outbound path. The first packet that finds the pipeline in
// that order is decompressed, the protocol stages are moved behind the
// compression stages, and the packet is compressed again once transformed.
// Later packets reach the encoder uncompressed.
type compressionOrder struct {
	names Names
	// When set, the order is only inspected once a compress stage exists.
	deferUntilPresent bool

	state     orderState
	reordered bool
	stats     *encoderStatsCollector
}

// reconcile inspects the pipeline on the first call and returns true when buf
// was decompressed and must be compressed again.
func (o *compressionOrder) reconcile(ctx *pipeline.Context, buf *bytebuf.ByteBuf) (bool, error) {
	if o.state == orderChecked {
		return false, nil
	}

	p := ctx.Pipeline()
	if o.deferUntilPresent && p.Get(o.names.Compress) == nil {
		return false, nil
	}
	o.state = orderChecked
	o.stats.recordCompressionCheck()

	compressIndex := p.IndexOf(o.names.Compress)
	ownIndex := p.IndexOf(ctx.Name())
	if compressIndex == -1 || ownIndex == -1 || compressIndex < ownIndex {
		return false, nil
	}

	if err := o.decompress(p, buf); err != nil {
		return false, err
	}
	if err := o.reorder(p, ctx); err != nil {
		return false, fmt.Errorf("viapipe: reorder pipeline: %w", err)
	}
	o.reordered = true
	o.stats.recordReorder()
	return true, nil
}

// decompress replaces the content of buf with its decompressed form, using
// the pipeline's own decompression stage.
func (o *compressionOrder) decompress(p *pipeline.Pipeline, buf *bytebuf.ByteBuf) error {
	dctx := p.Context(o.names.Decompress)
	if dctx == nil {
		return codecError("decompress", fmt.Errorf("%w: %s", pipeline.ErrNoSuchStage, o.names.Decompress))
	}
	dec, ok := dctx.Handler().(pipeline.Decoder)
	if !ok {
		return codecError("decompress", fmt.Errorf("stage %q is not a decoder", o.names.Decompress))
	}

	outs, err := dec.Decode(dctx, buf)
	for i, out := range outs {
		if out != buf && (i > 0 || err != nil) {
			out.Release()
		}
	}
	if err != nil {
		return codecError("decompress", err)
	}
	if len(outs) == 0 {
		return codecError("decompress", fmt.Errorf("stage %q produced no output", o.names.Decompress))
	}

	decompressed := outs[0]
	if decompressed == buf {
		return nil
	}
	defer decompressed.Release()
	buf.Reset()
	buf.WriteBuf(decompressed)
	return nil
}

// reorder moves the encoder right after the compress stage, and its decoder
// counterpart, if installed, right after the decompress stage. Stages are
// moved by name.
func (o *compressionOrder) reorder(p *pipeline.Pipeline, ctx *pipeline.Context) error {
	var decoder pipeline.Handler
	if p.Context(o.names.Decoder) != nil {
		h, err := p.RemoveName(o.names.Decoder)
		if err != nil {
			return err
		}
		decoder = h
	}
	encoder, err := p.RemoveName(ctx.Name())
	if err != nil {
		return err
	}

	if decoder != nil {
		if err := p.AddAfter(o.names.Decompress, o.names.Decoder, decoder); err != nil {
			return err
		}
	}
	return p.AddAfter(o.names.Compress, ctx.Name(), encoder)
}

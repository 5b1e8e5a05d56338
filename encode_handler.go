// Package viapipe provides the outbound protocol-translation stage of a
// Minecraft connection pipeline.
//
// An EncodeHandler sits between the host's packet encoder and the transport.
// For every outbound packet it asks the connection's UserConnection whether
// the packet may be sent, lets the connection's Transformer rewrite it, and
// passes it on. It also copes with hosts that install the compression stage
// in front of it: see Config.DeferUntilCompression.
package viapipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/pipeline"
)

// Names are the pipeline stage names the encoder relies on.
type Names struct {
	Compress      string // Host compression stage (outbound)
	Decompress    string // Host decompression stage (inbound)
	Encoder       string // The EncodeHandler
	Decoder       string // The inbound counterpart of the EncodeHandler
	PacketEncoder string // Host packet encoder, the EncodeHandler goes before it
	PacketDecoder string // Host packet decoder
}

// DefaultNames returns the stage names used by common hosts.
func DefaultNames() Names {
	return Names{
		Compress:      "compress",
		Decompress:    "decompress",
		Encoder:       "via-encoder",
		Decoder:       "via-decoder",
		PacketEncoder: "encoder",
		PacketDecoder: "decoder",
	}
}

func (n Names) withDefaults() Names {
	d := DefaultNames()
	if n.Compress == "" {
		n.Compress = d.Compress
	}
	if n.Decompress == "" {
		n.Decompress = d.Decompress
	}
	if n.Encoder == "" {
		n.Encoder = d.Encoder
	}
	if n.Decoder == "" {
		n.Decoder = d.Decoder
	}
	if n.PacketEncoder == "" {
		n.PacketEncoder = d.PacketEncoder
	}
	if n.PacketDecoder == "" {
		n.PacketDecoder = d.PacketDecoder
	}
	return n
}

// Config holds configuration for an EncodeHandler.
type Config struct {
	// Names overrides stage names. Empty fields use DefaultNames.
	Names Names

	// Logger receives failure reports.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// LogPolicy decides which failures are logged.
	// If nil, DefaultLogPolicy(HostPrintsFailures) is used.
	LogPolicy LogPolicy

	// HostPrintsFailures tells the default policy that the host already logs
	// failures reaching the end of the pipeline.
	HostPrintsFailures bool

	// DeferUntilCompression postpones the one-time compression order check
	// until a compress stage is present in the pipeline. By default the check
	// happens on the first transformed packet, whether compression is enabled
	// or not.
	DeferUntilCompression bool
}

// EncodeHandler is the outbound translation stage. It is a pipeline.Encoder
// and a pipeline.FailureHandler. Like every stage, it must be driven by one
// goroutine at a time.
type EncodeHandler struct {
	info   *UserConnection
	names  Names
	logger *slog.Logger
	policy LogPolicy
	order  compressionOrder
	stats  *encoderStatsCollector

	// Set while a failure is passed on. A failure raised by a stage that was
	// just moved reaches its new position too.
	firing bool
}

var (
	_ pipeline.Encoder        = (*EncodeHandler)(nil)
	_ pipeline.FailureHandler = (*EncodeHandler)(nil)
)

// NewEncodeHandler creates the encoder for the connection info.
func NewEncodeHandler(info *UserConnection, config Config) *EncodeHandler {
	names := config.Names.withDefaults()
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LogPolicy == nil {
		config.LogPolicy = DefaultLogPolicy(config.HostPrintsFailures)
	}

	stats := &encoderStatsCollector{}
	return &EncodeHandler{
		info:   info,
		names:  names,
		logger: config.Logger,
		policy: config.LogPolicy,
		order: compressionOrder{
			names:             names,
			deferUntilPresent: config.DeferUntilCompression,
			stats:             stats,
		},
		stats: stats,
	}
}

// Connection returns the connection context the handler consults.
func (h *EncodeHandler) Connection() *UserConnection {
	return h.info
}

// Stats returns a snapshot of the handler statistics.
func (h *EncodeHandler) Stats() EncoderStats {
	return h.stats.snapshot()
}

// Encode copies in to out and transforms out in place.
func (h *EncodeHandler) Encode(ctx *pipeline.Context, in, out *bytebuf.ByteBuf) error {
	out.WriteBuf(in)

	if !h.info.CheckOutbound() {
		h.stats.recordCancel()
		return Cancelled(nil)
	}
	if !h.info.ShouldTransformPacket() {
		h.stats.recordSkip()
		return nil
	}

	recompress, err := h.order.reconcile(ctx, out)
	if err != nil {
		return err
	}

	if err := h.info.TransformOutbound(out, Cancelled); err != nil {
		if IsCancelled(err) {
			h.stats.recordCancel()
		}
		return err
	}

	if recompress {
		if err := h.recompress(ctx, out); err != nil {
			return err
		}
	}
	h.stats.recordEncode()
	return nil
}

// recompress runs buf through the pipeline's compress stage, in place.
func (h *EncodeHandler) recompress(ctx *pipeline.Context, buf *bytebuf.ByteBuf) error {
	cctx := ctx.Pipeline().Context(h.names.Compress)
	if cctx == nil {
		return codecError("compress", fmt.Errorf("%w: %s", pipeline.ErrNoSuchStage, h.names.Compress))
	}
	enc, ok := cctx.Handler().(pipeline.Encoder)
	if !ok {
		return codecError("compress", fmt.Errorf("stage %q is not an encoder", h.names.Compress))
	}

	temp := ctx.Alloc().Buffer()
	defer temp.Release()
	temp.WriteBuf(buf)
	buf.Reset()

	if err := enc.Encode(cctx, temp, buf); err != nil {
		return codecError("compress", err)
	}
	h.stats.recordRecompress()
	return nil
}

// OnFailure swallows cancellations and failures already handled elsewhere.
// Anything else is passed on, then logged if the policy says so.
func (h *EncodeHandler) OnFailure(ctx *pipeline.Context, cause error) {
	if IsCancelled(cause) || IsBenign(cause) {
		return
	}
	if h.firing {
		ctx.FireFailure(cause)
		return
	}
	h.firing = true
	ctx.FireFailure(cause)
	h.firing = false

	state := h.info.State()
	if h.policy(cause, state, h.info.Debug()) {
		attrs := slices.Clip(diagnosticsOf(cause))
		if len(attrs) == 0 {
			attrs = []slog.Attr{
				slog.String("connection", h.info.ID()),
				slog.String("state", state.String()),
			}
		}
		attrs = append(attrs, slog.Any("error", cause))
		h.logger.LogAttrs(context.Background(), slog.LevelError, "viapipe: outbound transform failed", attrs...)
	}
}

// Inject installs handler before the host packet encoder and decoder, when
// not nil, before the host packet decoder.
func Inject(p *pipeline.Pipeline, handler *EncodeHandler, decoder pipeline.Decoder) error {
	if handler == nil {
		return errors.New("viapipe: nil encode handler")
	}
	if decoder != nil {
		if err := p.AddBefore(handler.names.PacketDecoder, handler.names.Decoder, decoder); err != nil {
			return err
		}
	}
	return p.AddBefore(handler.names.PacketEncoder, handler.names.Encoder, handler)
}

package viapipe

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/compression"
	"github.com/pior/viapipe/frame"
	"github.com/pior/viapipe/internal/coarsetime"
	"github.com/pior/viapipe/pipeline"
)

// ChannelConfig holds configuration for a Channel.
type ChannelConfig struct {
	// Allocator provides the pipeline buffers.
	// If nil, a PooledAllocator is used.
	Allocator bytebuf.Allocator

	// Encoder configures the EncodeHandler installed in the pipeline.
	Encoder Config

	// OnPacket receives inbound packets (id and body, decompressed).
	// The slice is only valid during the call.
	// If nil, inbound packets are discarded.
	OnPacket func(packet []byte)

	// MaxFrameSize limits inbound frames.
	// If zero, frame.MaxFrameSize is used.
	MaxFrameSize int

	// Logger is used by the pipeline and the encoder.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Channel is a framed connection with its pipeline, bound to one event loop.
//
// The pipeline starts as
//
//	head [prepender, decoder, via-encoder, encoder] tail
//
// and EnableCompression later inserts the compression stages in front of the
// packet encoder and decoder, the way a vanilla host does.
type Channel struct {
	conn     net.Conn
	loop     *EventLoop
	pipeline *pipeline.Pipeline
	handler  *EncodeHandler
	names    Names
	onPacket func(packet []byte)
	maxFrame int
	logger   *slog.Logger

	lastActivity atomic.Int64
}

// NewChannel builds the pipeline of conn and injects an EncodeHandler for info.
func NewChannel(conn net.Conn, loop *EventLoop, info *UserConnection, config ChannelConfig) (*Channel, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Encoder.Logger == nil {
		config.Encoder.Logger = config.Logger
	}

	c := &Channel{
		conn:     conn,
		loop:     loop,
		onPacket: config.OnPacket,
		maxFrame: config.MaxFrameSize,
		logger:   config.Logger.With("connection", info.ID()),
	}
	c.pipeline = pipeline.New(pipeline.Config{
		Allocator:          config.Allocator,
		Transport:          conn,
		Inbound:            c.inbound,
		OnUnhandledFailure: c.unhandledFailure,
		Logger:             config.Logger,
	})
	c.handler = NewEncodeHandler(info, config.Encoder)
	c.names = c.handler.names
	c.touch()

	stages := []struct {
		name    string
		handler pipeline.Handler
	}{
		{"prepender", &frame.Prepender{}},
		{c.names.PacketDecoder, packetDecoder{}},
		{c.names.PacketEncoder, packetEncoder{}},
	}
	for _, s := range stages {
		if err := c.pipeline.AddLast(s.name, s.handler); err != nil {
			return nil, err
		}
	}
	if err := Inject(c.pipeline, c.handler, nil); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) Pipeline() *pipeline.Pipeline {
	return c.pipeline
}

func (c *Channel) Handler() *EncodeHandler {
	return c.handler
}

func (c *Channel) Connection() *UserConnection {
	return c.handler.info
}

// IdleDuration returns the time since the last packet was written or read.
func (c *Channel) IdleDuration() time.Duration {
	return coarsetime.Since(time.Unix(0, c.lastActivity.Load()))
}

func (c *Channel) touch() {
	c.lastActivity.Store(coarsetime.Now().UnixNano())
}

// Write sends a serialized packet (id and body) through the pipeline. A
// cancelled packet is dropped without error.
func (c *Channel) Write(ctx context.Context, packet []byte) error {
	c.touch()
	return c.loop.Submit(ctx, func() error {
		buf := c.pipeline.Allocator().Buffer()
		buf.Write(packet)
		err := c.pipeline.WriteOutbound(buf)
		if IsCancelled(err) {
			return nil
		}
		return err
	})
}

// EnableCompression inserts the compression stages with one codec each.
//
// The compress stage lands in front of the EncodeHandler. Unless
// Encoder.DeferUntilCompression is set, it must be enabled before the first
// packet is written for the handler to reorder the pipeline.
func (c *Channel) EnableCompression(ctx context.Context, threshold int, newCodec func() (compression.Codec, error)) error {
	return c.loop.Submit(ctx, func() error {
		encodeCodec, err := newCodec()
		if err != nil {
			return err
		}
		decodeCodec, err := newCodec()
		if err != nil {
			return err
		}

		err = c.pipeline.AddBefore(c.names.PacketDecoder, c.names.Decompress, compression.NewDecoder(decodeCodec, threshold))
		if err != nil {
			return err
		}
		return c.pipeline.AddBefore(c.names.PacketEncoder, c.names.Compress, compression.NewEncoder(encodeCodec, threshold))
	})
}

// Serve reads frames from the connection and fires them into the pipeline
// until the connection is closed or ctx is done.
func (c *Channel) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.Close()
	})
	defer stop()

	r := bufio.NewReader(c.conn)
	for {
		msg, err := frame.ReadFrame(r, c.pipeline.Allocator(), c.maxFrame)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		c.touch()

		err = c.loop.Execute(func() {
			if err := c.pipeline.FireInbound(msg); err != nil {
				c.logger.Debug("viapipe: inbound packet failed", "error", err)
			}
		})
		if err != nil {
			msg.Release()
			return err
		}
	}
}

func (c *Channel) inbound(msg *bytebuf.ByteBuf) error {
	if c.onPacket != nil {
		c.onPacket(msg.Bytes())
	}
	return nil
}

func (c *Channel) unhandledFailure(cause error) {
	c.logger.Debug("viapipe: pipeline failure", "error", cause)
}

// Close cancels later packets and closes the pipeline and the connection.
func (c *Channel) Close() error {
	c.handler.info.Disconnect()
	c.pipeline.Close()
	return c.conn.Close()
}

// packetEncoder stands for the host packet encoder: packets arrive serialized.
type packetEncoder struct{}

func (packetEncoder) Encode(ctx *pipeline.Context, in, out *bytebuf.ByteBuf) error {
	if in.Len() == 0 {
		return ErrMalformedPacket
	}
	out.WriteBuf(in)
	return nil
}

// packetDecoder stands for the host packet decoder.
type packetDecoder struct{}

func (packetDecoder) Decode(ctx *pipeline.Context, in *bytebuf.ByteBuf) ([]*bytebuf.ByteBuf, error) {
	if in.Len() == 0 {
		return nil, ErrMalformedPacket
	}
	return []*bytebuf.ByteBuf{in}, nil
}

package viapipe

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/compression"
	"github.com/pior/viapipe/frame"
	"github.com/pior/viapipe/internal/testutils"
	"github.com/pior/viapipe/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newZlib() (compression.Codec, error) {
	return compression.NewZlibCodec(-1)
}

func newLZ4() (compression.Codec, error) {
	return compression.NewLZ4Codec(), nil
}

func newTestChannel(t *testing.T, mock *testutils.ConnectionMock, transformer Transformer, config ChannelConfig) *Channel {
	t.Helper()
	group := NewEventLoopGroup(EventLoopGroupConfig{Size: 2})
	t.Cleanup(group.Close)

	conn := NewUserConnection("player-1", ConnectionConfig{Transformer: transformer})
	conn.SetState(StatePlay)

	ch, err := NewChannel(mock, group.Next(conn.ID()), conn, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

// readFrames splits the bytes written to the connection into frame payloads.
func readFrames(t *testing.T, written []byte) [][]byte {
	t.Helper()
	alloc := bytebuf.NewPooledAllocator(0)
	r := bufio.NewReader(bytes.NewReader(written))

	var frames [][]byte
	for {
		buf, err := frame.ReadFrame(r, alloc, 0)
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, bytes.Clone(buf.Bytes()))
		buf.Release()
	}
}

// uncompress decodes a compressed packet body the way a client does.
func uncompress(t *testing.T, codec compression.Codec, payload []byte) []byte {
	t.Helper()
	r := bytes.NewReader(payload)
	dataLength, err := frame.ReadVarInt(r)
	require.NoError(t, err)
	body := payload[len(payload)-r.Len():]
	if dataLength == 0 {
		return body
	}
	out, err := codec.Decompress(nil, body, int(dataLength))
	require.NoError(t, err)
	return out
}

func TestChannel_Pipeline(t *testing.T) {
	ch := newTestChannel(t, testutils.NewConnectionMock(), nil, ChannelConfig{})

	assert.Equal(t, []string{"prepender", "decoder", "via-encoder", "encoder"}, ch.Pipeline().Names())
	assert.Equal(t, "player-1", ch.Connection().ID())
	assert.Less(t, ch.IdleDuration(), time.Second)

	require.NoError(t, ch.EnableCompression(context.Background(), 64, newZlib))
	assert.Equal(t, []string{"prepender", "decompress", "decoder", "via-encoder", "compress", "encoder"}, ch.Pipeline().Names())
}

func TestChannel_WriteTransforms(t *testing.T) {
	mock := testutils.NewConnectionMock()
	remapper := NewPacketIDRemapper().Map(StatePlay, 0x01, 0x02).Cancel(StatePlay, 0x03)
	ch := newTestChannel(t, mock, remapper, ChannelConfig{})
	ctx := context.Background()

	require.NoError(t, ch.Write(ctx, packet(0x01, "hello")))
	require.NoError(t, ch.Write(ctx, packet(0x03, "dropped")))
	require.NoError(t, ch.Write(ctx, packet(0x04, "untouched")))

	frames := readFrames(t, mock.Written())
	require.Len(t, frames, 2)
	assert.Equal(t, packet(0x02, "hello"), frames[0])
	assert.Equal(t, packet(0x04, "untouched"), frames[1])

	stats := ch.Handler().Stats()
	assert.Equal(t, uint64(2), stats.Encoded)
	assert.Equal(t, uint64(1), stats.Cancelled)
}

func TestChannel_EmptyPacketIsRejected(t *testing.T) {
	mock := testutils.NewConnectionMock()
	ch := newTestChannel(t, mock, nil, ChannelConfig{})

	err := ch.Write(context.Background(), nil)
	require.ErrorIs(t, err, ErrMalformedPacket)
	assert.Empty(t, mock.Written())
}

func TestChannel_CompressionEnabledBeforeTraffic(t *testing.T) {
	mock := testutils.NewConnectionMock()
	remapper := NewPacketIDRemapper().Map(StatePlay, 0x20, 0x21)
	ch := newTestChannel(t, mock, remapper, ChannelConfig{})
	ctx := context.Background()

	require.NoError(t, ch.EnableCompression(ctx, 64, newZlib))

	chunk := packet(0x20, string(bytes.Repeat([]byte("chunk section "), 40)))
	require.NoError(t, ch.Write(ctx, chunk))
	require.NoError(t, ch.Write(ctx, packet(0x20, "tiny")))
	require.NoError(t, ch.Write(ctx, chunk))

	assert.Equal(t, []string{"prepender", "decompress", "decoder", "compress", "via-encoder", "encoder"}, ch.Pipeline().Names())

	codec, err := newZlib()
	require.NoError(t, err)
	frames := readFrames(t, mock.Written())
	require.Len(t, frames, 3)

	want := append([]byte{}, chunk...)
	want[0] = 0x21
	assert.Equal(t, want, uncompress(t, codec, frames[0]))
	assert.Equal(t, append([]byte{0x00}, packet(0x21, "tiny")...), frames[1])
	assert.Equal(t, want, uncompress(t, codec, frames[2]))

	stats := ch.Handler().Stats()
	assert.Equal(t, uint64(1), stats.Reordered)
	assert.Equal(t, uint64(1), stats.Recompressed)
}

func TestChannel_CompressionEnabledAfterTraffic(t *testing.T) {
	mock := testutils.NewConnectionMock()
	remapper := NewPacketIDRemapper().Map(StatePlay, 0x20, 0x21)
	ch := newTestChannel(t, mock, remapper, ChannelConfig{
		Encoder: Config{DeferUntilCompression: true},
	})
	ctx := context.Background()

	require.NoError(t, ch.Write(ctx, packet(0x20, "login")))
	require.NoError(t, ch.EnableCompression(ctx, 16, newLZ4))
	payload := packet(0x20, string(bytes.Repeat([]byte{0xaa, 0xbb}, 100)))
	require.NoError(t, ch.Write(ctx, payload))
	require.NoError(t, ch.Write(ctx, payload))

	frames := readFrames(t, mock.Written())
	require.Len(t, frames, 3)
	assert.Equal(t, packet(0x21, "login"), frames[0])

	want := append([]byte{}, payload...)
	want[0] = 0x21
	codec, _ := newLZ4()
	assert.Equal(t, want, uncompress(t, codec, frames[1]))
	assert.Equal(t, want, uncompress(t, codec, frames[2]))
	assert.Equal(t, uint64(1), ch.Handler().Stats().CompressionChecks)
}

func TestChannel_Serve(t *testing.T) {
	big := packet(0x05, string(bytes.Repeat([]byte("inventory "), 30)))
	lz4 := compression.NewLZ4Codec()
	compressed, err := lz4.Compress(frame.AppendVarInt(nil, int32(len(big))), big)
	require.NoError(t, err)

	var wire bytes.Buffer
	require.NoError(t, frame.WriteFrame(&wire, append([]byte{0x00}, packet(0x01, "tiny")...)))
	require.NoError(t, frame.WriteFrame(&wire, compressed))

	var received [][]byte
	mock := testutils.NewConnectionMock(wire.Bytes())
	ch := newTestChannel(t, mock, nil, ChannelConfig{
		OnPacket: func(p []byte) {
			received = append(received, bytes.Clone(p))
		},
	})
	ctx := context.Background()

	require.NoError(t, ch.EnableCompression(ctx, 16, newLZ4))
	require.NoError(t, ch.Serve(ctx))

	// Flush the loop: inbound packets are processed asynchronously.
	require.NoError(t, ch.loop.Submit(ctx, func() error { return nil }))

	require.Len(t, received, 2)
	assert.Equal(t, packet(0x01, "tiny"), received[0])
	assert.Equal(t, big, received[1])
}

func TestChannel_ServeCorruptFrame(t *testing.T) {
	mock := testutils.NewConnectionMock(frame.AppendVarInt(nil, frame.MaxFrameSize+1))
	ch := newTestChannel(t, mock, nil, ChannelConfig{})

	require.ErrorIs(t, ch.Serve(context.Background()), frame.ErrFrameTooLarge)
}

func TestChannel_Close(t *testing.T) {
	mock := testutils.NewConnectionMock()
	ch := newTestChannel(t, mock, nil, ChannelConfig{})

	require.NoError(t, ch.Close())
	assert.True(t, mock.Closed())
	assert.True(t, ch.Connection().PendingDisconnect())
	assert.Empty(t, ch.Pipeline().Names())

	err := ch.Write(context.Background(), packet(0x01, "late"))
	require.ErrorIs(t, err, pipeline.ErrClosed)
}

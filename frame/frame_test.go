package frame

import (
	"bufio"
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarInt(t *testing.T) {
	tests := []struct {
		value   int32
		encoded []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{255, []byte{0xff, 0x01}},
		{25565, []byte{0xdd, 0xc7, 0x01}},
		{2097151, []byte{0xff, 0xff, 0x7f}},
		{math.MaxInt32, []byte{0xff, 0xff, 0xff, 0xff, 0x07}},
		{-1, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
		{math.MinInt32, []byte{0x80, 0x80, 0x80, 0x80, 0x08}},
	}

	for _, tt := range tests {
		encoded := AppendVarInt(nil, tt.value)
		assert.Equal(t, tt.encoded, encoded, "encode %d", tt.value)
		assert.Equal(t, len(tt.encoded), VarIntSize(tt.value), "size %d", tt.value)

		decoded, err := ReadVarInt(bytes.NewReader(tt.encoded))
		require.NoError(t, err, "decode %d", tt.value)
		assert.Equal(t, tt.value, decoded)
	}
}

func TestReadVarInt_Errors(t *testing.T) {
	_, err := ReadVarInt(bytes.NewReader(nil))
	require.ErrorIs(t, err, io.EOF)

	_, err = ReadVarInt(bytes.NewReader([]byte{0x80, 0x80}))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = ReadVarInt(bytes.NewReader([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}))
	require.ErrorIs(t, err, ErrVarIntTooLong)
}

func TestPrepender(t *testing.T) {
	var wire bytes.Buffer
	alloc := bytebuf.NewPooledAllocator(0)
	p := pipeline.New(pipeline.Config{Allocator: alloc, Transport: &wire})
	require.NoError(t, p.AddLast("prepender", &Prepender{}))

	payload := bytes.Repeat([]byte("x"), 300)
	require.NoError(t, p.WriteOutbound(bytebuf.Unpooled(payload)))

	r := bufio.NewReader(&wire)
	got, err := ReadFrame(r, alloc, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got.Bytes())
	got.Release()

	_, err = ReadFrame(r, alloc, 0)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(0), alloc.Stats().Outstanding())
}

func TestReadFrame_Errors(t *testing.T) {
	alloc := bytebuf.NewPooledAllocator(0)

	var tooLarge bytes.Buffer
	require.NoError(t, WriteFrame(&tooLarge, make([]byte, 64)))
	_, err := ReadFrame(bufio.NewReader(&tooLarge), alloc, 32)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	truncated := append(AppendVarInt(nil, 10), []byte("short")...)
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(truncated)), alloc, 0)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	negative := AppendVarInt(nil, -5)
	_, err = ReadFrame(bufio.NewReader(bytes.NewReader(negative)), alloc, 0)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	assert.Equal(t, int64(0), alloc.Stats().Outstanding())
}

func TestWriteFrame_TooLarge(t *testing.T) {
	err := WriteFrame(io.Discard, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func FuzzReadVarInt(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0xdd, 0xc7, 0x01})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0x0f})
	f.Add([]byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01})

	f.Fuzz(func(t *testing.T, data []byte) {
		v, err := ReadVarInt(bytes.NewReader(data))
		if err != nil {
			return
		}
		encoded := AppendVarInt(nil, v)
		if len(encoded) > MaxVarIntLen {
			t.Fatalf("encoded %d as %d bytes", v, len(encoded))
		}
		again, err := ReadVarInt(bytes.NewReader(encoded))
		if err != nil || again != v {
			t.Fatalf("round trip of %d failed: %d, %v", v, again, err)
		}
	})
}

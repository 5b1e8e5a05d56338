package viapipe

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/frame"
)

var ErrMalformedPacket = errors.New("viapipe: malformed packet")

// PacketIDRemapper is a Transformer rewriting packet ids, per protocol state.
// Packets without a mapping are left untouched.
//
// It is configured before use and is read-only afterwards.
type PacketIDRemapper struct {
	mappings map[State]map[int32]int32
}

var _ Transformer = (*PacketIDRemapper)(nil)

func NewPacketIDRemapper() *PacketIDRemapper {
	return &PacketIDRemapper{mappings: make(map[State]map[int32]int32)}
}

// Map rewrites packet id from to id to in state.
func (r *PacketIDRemapper) Map(state State, from, to int32) *PacketIDRemapper {
	m, ok := r.mappings[state]
	if !ok {
		m = make(map[int32]int32)
		r.mappings[state] = m
	}
	m[from] = to
	return r
}

// Cancel drops packets with the given id in state.
func (r *PacketIDRemapper) Cancel(state State, id int32) *PacketIDRemapper {
	return r.Map(state, id, -1)
}

func (r *PacketIDRemapper) TransformOutbound(state State, buf *bytebuf.ByteBuf) error {
	m := r.mappings[state]
	if len(m) == 0 {
		return nil
	}

	data := buf.Bytes()
	id, err := frame.ReadVarInt(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: packet id: %v", ErrMalformedPacket, err)
	}

	to, ok := m[id]
	switch {
	case !ok || to == id:
		return nil
	case to < 0:
		return ErrCancelPacket
	}

	body := data[frame.VarIntSize(id):]
	rewritten := make([]byte, 0, frame.MaxVarIntLen+len(body))
	rewritten = frame.AppendVarInt(rewritten, to)
	rewritten = append(rewritten, body...)

	buf.Reset()
	buf.Write(rewritten)
	return nil
}

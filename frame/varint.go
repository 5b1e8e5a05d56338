// Package frame implements the VarInt length-prefixed framing used on the
// wire, and the VarInt encoding itself.
//
// A VarInt is a 32-bit two's complement integer written seven bits at a time,
// least significant group first, with the high bit of each byte set when more
// bytes follow. Negative values always take five bytes.
package frame

import (
	"errors"
	"io"
)

// MaxVarIntLen is the maximum encoded size of a VarInt.
const MaxVarIntLen = 5

var ErrVarIntTooLong = errors.New("frame: varint too long")

// AppendVarInt appends the encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the encoded size of v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// ReadVarInt reads one VarInt from r.
//
// Returns io.EOF only when r is empty, io.ErrUnexpectedEOF when r ends inside
// a VarInt, and ErrVarIntTooLong when the encoding exceeds MaxVarIntLen bytes.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var u uint32
	for i := range MaxVarIntLen {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		u |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(u), nil
		}
	}
	return 0, ErrVarIntTooLong
}

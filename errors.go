package viapipe

import (
	"errors"
	"log/slog"
)

// ErrCancelPacket is returned by a Transformer to drop the packet it was given.
var ErrCancelPacket = errors.New("viapipe: packet cancelled")

// Kind classifies failures raised around the outbound transform.
// It decides how a failure is handled:
//
//   - KindCancelled: the packet is dropped. Not an error, never logged.
//   - KindBenign: another pipeline participant already handled it. Swallowed.
//   - KindTransform: the transform rejected the packet. Propagated, and
//     logged according to the LogPolicy.
//   - KindCodec: calling the compression stages failed. Always propagated.
//   - KindUnknown: anything else. Propagated.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCancelled
	KindBenign
	KindTransform
	KindCodec
)

func (k Kind) String() string {
	switch k {
	case KindCancelled:
		return "cancelled"
	case KindBenign:
		return "benign"
	case KindTransform:
		return "transform"
	case KindCodec:
		return "codec"
	default:
		return "unknown"
	}
}

// Error is a failure tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string // Operation that failed (encode, decompress, compress)
	Err  error  // Underlying error, if any

	// Diagnostics describe the packet involved. Only informative errors
	// carry them.
	Diagnostics []slog.Attr
}

func (e *Error) Error() string {
	msg := "viapipe: " + e.Kind.String()
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Cancelled returns an encoder-level cancellation. cause may be nil.
func Cancelled(cause error) error {
	return &Error{Kind: KindCancelled, Op: "encode", Err: cause}
}

// Benign marks err as already handled by another pipeline participant.
func Benign(err error) error {
	return &Error{Kind: KindBenign, Err: err}
}

// Informative marks err as a transform failure carrying diagnostics.
func Informative(err error, diagnostics ...slog.Attr) error {
	return &Error{Kind: KindTransform, Err: err, Diagnostics: diagnostics}
}

func codecError(op string, err error) error {
	return &Error{Kind: KindCodec, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsCancelled reports whether err drops a packet.
func IsCancelled(err error) bool {
	return KindOf(err) == KindCancelled
}

// IsBenign reports whether err was already handled elsewhere.
func IsBenign(err error) bool {
	return KindOf(err) == KindBenign
}

// IsInformative reports whether err is a transform failure with diagnostics.
func IsInformative(err error) bool {
	return KindOf(err) == KindTransform
}

// diagnosticsOf returns the diagnostics attached to err, if any.
func diagnosticsOf(err error) []slog.Attr {
	var e *Error
	if errors.As(err, &e) {
		return e.Diagnostics
	}
	return nil
}

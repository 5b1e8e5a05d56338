package viapipe

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pior/viapipe/bytebuf"
	"github.com/pior/viapipe/frame"
	"github.com/sony/gobreaker/v2"
	"github.com/zeebo/xxh3"
)

// State is the protocol state of a connection.
type State uint32

const (
	StateHandshake State = iota
	StateStatus
	StateLogin
	StateConfiguration
	StatePlay
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StateStatus:
		return "status"
	case StateLogin:
		return "login"
	case StateConfiguration:
		return "configuration"
	case StatePlay:
		return "play"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Transformer rewrites serialized outbound packets in place. The buffer holds
// the packet id VarInt followed by the packet body.
//
// Returning ErrCancelPacket drops the packet.
type Transformer interface {
	TransformOutbound(state State, buf *bytebuf.ByteBuf) error
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(state State, buf *bytebuf.ByteBuf) error

func (f TransformerFunc) TransformOutbound(state State, buf *bytebuf.ByteBuf) error {
	return f(state, buf)
}

// ConnectionConfig holds configuration for a UserConnection.
type ConnectionConfig struct {
	// Transformer rewrites outbound packets.
	// If nil, packets are never transformed.
	Transformer Transformer

	// Admission is consulted for every outbound packet after the built-in
	// checks. Returning false cancels the packet.
	// If nil, every packet passes.
	Admission func(conn *UserConnection) bool

	// Breaker guards the transformer. While it is open, outbound packets are
	// cancelled. Use NewFailureBreakerConfig to build one.
	// If nil, no breaker is used.
	Breaker *gobreaker.CircuitBreaker[struct{}]

	// Debug enables verbose failure logging for this connection.
	Debug bool
}

// UserConnection is the per-connection context consulted by the outbound
// encoder. It is safe for concurrent use.
type UserConnection struct {
	id          string
	transformer Transformer
	admission   func(conn *UserConnection) bool
	breaker     *gobreaker.CircuitBreaker[struct{}]

	state             atomic.Uint32
	active            atomic.Bool
	debug             atomic.Bool
	pendingDisconnect atomic.Bool
	sent              atomic.Uint64
}

// NewUserConnection creates an active connection context in the handshake
// state.
func NewUserConnection(id string, config ConnectionConfig) *UserConnection {
	c := &UserConnection{
		id:          id,
		transformer: config.Transformer,
		admission:   config.Admission,
		breaker:     config.Breaker,
	}
	c.active.Store(true)
	c.debug.Store(config.Debug)
	return c
}

// ID returns the connection identifier.
func (c *UserConnection) ID() string {
	return c.id
}

func (c *UserConnection) State() State {
	return State(c.state.Load())
}

func (c *UserConnection) SetState(state State) {
	c.state.Store(uint32(state))
}

func (c *UserConnection) Debug() bool {
	return c.debug.Load()
}

func (c *UserConnection) SetDebug(debug bool) {
	c.debug.Store(debug)
}

// SetActive enables or disables packet transformation.
func (c *UserConnection) SetActive(active bool) {
	c.active.Store(active)
}

// Disconnect marks the connection as closing. Every later outbound packet is
// cancelled.
func (c *UserConnection) Disconnect() {
	c.pendingDisconnect.Store(true)
}

// PendingDisconnect reports whether Disconnect was called.
func (c *UserConnection) PendingDisconnect() bool {
	return c.pendingDisconnect.Load()
}

// SentPackets returns the number of outbound packets admitted so far.
func (c *UserConnection) SentPackets() uint64 {
	return c.sent.Load()
}

// CheckOutbound reports whether an outbound packet may be sent. It counts the
// packet when it is admitted.
func (c *UserConnection) CheckOutbound() bool {
	if c.pendingDisconnect.Load() {
		return false
	}
	if c.breaker != nil && c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	if c.admission != nil && !c.admission(c) {
		return false
	}
	c.sent.Add(1)
	return true
}

// ShouldTransformPacket reports whether outbound packets need rewriting.
func (c *UserConnection) ShouldTransformPacket() bool {
	return c.transformer != nil && c.active.Load()
}

// TransformOutbound rewrites buf in place. Cancellations are passed to cancel,
// whose result is returned. Other failures are returned as informative errors.
func (c *UserConnection) TransformOutbound(buf *bytebuf.ByteBuf, cancel func(cause error) error) error {
	if c.transformer == nil {
		return nil
	}

	state := c.State()
	err := c.execute(func() error {
		return c.transformer.TransformOutbound(state, buf)
	})
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrCancelPacket),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests):
		return cancel(err)
	case KindOf(err) != KindUnknown:
		return err
	}
	return Informative(err, c.diagnostics(state, buf)...)
}

func (c *UserConnection) execute(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	_, err := c.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (c *UserConnection) diagnostics(state State, buf *bytebuf.ByteBuf) []slog.Attr {
	data := buf.Bytes()
	attrs := []slog.Attr{
		slog.String("connection", c.id),
		slog.String("state", state.String()),
		slog.Int("length", len(data)),
		slog.String("fingerprint", fmt.Sprintf("%016x", xxh3.Hash(data))),
	}
	if id, err := frame.ReadVarInt(bytes.NewReader(data)); err == nil {
		attrs = append(attrs, slog.String("packet_id", fmt.Sprintf("0x%02x", id)))
	}
	return attrs
}

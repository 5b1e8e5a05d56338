// Package pipeline implements an ordered chain of named stages sitting between
// an application and a byte transport.
//
// This package plays the role of a channel pipeline: every connection owns
// one Pipeline, and stages can be added, moved and removed while the
// connection is live. It makes no assumption about what the stages do.
//
// # Ordering
//
// Index 0 is the head (transport side), the last index is the tail
// (application side):
//
//	head                                                    tail
//	[prepender] [compress] [via-encoder] [encoder]
//
// Outbound messages written with WriteOutbound travel tail to head, so a stage
// with a larger index runs earlier on the outbound path. Inbound messages fed
// with FireInbound travel head to tail.
//
// # Stages
//
// A stage is any value. The pipeline dispatches on the interfaces it
// implements:
//
//   - Encoder: transforms an outbound message into a fresh output buffer
//   - Decoder: turns an inbound message into zero or more messages
//   - FailureHandler: receives failures raised by its own stage, or fired
//     by a stage closer to the head
//
// Remove matches a stage by its Context, so any handler type may be used, and
// two stages may hold equal handlers.
//
// # Live mutation
//
// A stage may mutate the pipeline it is running in. Handlers are invoked
// without the pipeline lock held. A removed stage's Context keeps the links it
// had when it was removed: a message in flight continues from the position its
// stage occupied when it ran, and only later messages see the new order.
//
// # Buffer ownership
//
// WriteOutbound and FireInbound take ownership of the message. Each Encoder
// receives the input and an output buffer from the pipeline allocator; the
// pipeline releases the input once Encode returns. A Decoder must not release
// its input: if it returns the input among its results ownership travels with
// it, otherwise the pipeline releases it.
package pipeline

// Package transport defines the frame-level contract the protocol engine
// consumes. Concrete adapters (duplex socket, push+post, bidirectional
// chunked stream) live in the server and client subtrees.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// FrameType tags a transport frame.
type FrameType int

const (
	// FrameText carries one JSON envelope.
	FrameText FrameType = iota
	// FrameBinary carries opaque bytes announced by the preceding envelope.
	FrameBinary
)

// Frame is a single unit delivered by a transport, in order.
type Frame struct {
	Type FrameType
	Data []byte
}

// Text wraps envelope bytes in a frame.
func Text(data []byte) *Frame {
	return &Frame{Type: FrameText, Data: data}
}

// Binary wraps opaque bytes in a frame.
func Binary(data []byte) *Frame {
	return &Frame{Type: FrameBinary, Data: data}
}

// ErrClosed is returned by a connection after Close.
var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional, ordered stream of frames. Implementations must be
// safe for one concurrent reader and one concurrent writer; the engine never
// issues overlapping Receive or overlapping Send calls.
type Conn interface {
	// Receive blocks for the next inbound frame.
	Receive(ctx context.Context) (*Frame, error)
	// Send transmits a frame, preserving call order on the wire.
	Send(ctx context.Context, frame *Frame) error
	// Close tears the connection down; pending Receive calls unblock with an error.
	Close() error
	// Kind names the adapter for logging and stats.
	Kind() string
}

// BinaryOfferer is implemented by connections whose outbound direction cannot
// interleave binary frames (the SSE push variant). The engine offers the blob
// and embeds the returned reference in the announcing envelope payload
// instead of bin_len.
type BinaryOfferer interface {
	OfferBinary(id, mime string, data []byte) (ref string, err error)
}

// PeekBinLen extracts an announced binary frame length from envelope bytes
// without a full decode. Adapters use it to learn frame boundaries.
func PeekBinLen(data []byte) int64 {
	peek := &binLenPeek{}
	_ = json.Unmarshal(data, peek)
	if peek.BinLen == nil {
		return 0
	}
	return *peek.BinLen
}

type binLenPeek struct {
	BinLen *int64 `json:"bin_len"`
}

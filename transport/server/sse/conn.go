// Package sse serves the push+post transport: the server pushes envelopes as
// server-sent events while the client posts envelopes over plain HTTP.
// Server-side binary payloads cannot ride the event stream, so the connection
// offers them as one-shot retrievable blobs referenced from the announcing
// envelope.
package sse

import (
	"context"
	"fmt"
	"sync"

	"github.com/haipio/haip/transport"
)

const (
	inboundDepth = 256
	eventDepth   = 256
	maxBlobs     = 256
)

// Conn is one SSE stream plus its POST back-channel.
type Conn struct {
	token     string
	inbound   chan *transport.Frame
	events    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	blobs     *blobStore
}

func newConn(token string) *Conn {
	return &Conn{
		token:   token,
		inbound: make(chan *transport.Frame, inboundDepth),
		events:  make(chan []byte, eventDepth),
		closed:  make(chan struct{}),
		blobs:   newBlobStore(maxBlobs),
	}
}

// Token identifies the stream to the POST endpoints.
func (c *Conn) Token() string { return c.token }

// Receive blocks for the next frame posted by the client.
func (c *Conn) Receive(ctx context.Context) (*transport.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		select {
		case frame := <-c.inbound:
			return frame, nil
		default:
			return nil, transport.ErrClosed
		}
	case frame := <-c.inbound:
		return frame, nil
	}
}

// Send queues an envelope for the event stream. Binary frames are rejected:
// the engine detects the BinaryOfferer capability and offers blobs instead.
func (c *Conn) Send(ctx context.Context, frame *transport.Frame) error {
	if frame.Type == transport.FrameBinary {
		return fmt.Errorf("sse push direction cannot carry binary frames")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return transport.ErrClosed
	case c.events <- frame.Data:
		return nil
	}
}

// OfferBinary implements transport.BinaryOfferer.
func (c *Conn) OfferBinary(id, mime string, data []byte) (string, error) {
	select {
	case <-c.closed:
		return "", transport.ErrClosed
	default:
	}
	c.blobs.put(id, mime, data)
	return id, nil
}

// push feeds one posted frame into the inbound queue.
func (c *Conn) push(ctx context.Context, frame *transport.Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return transport.ErrClosed
	case c.inbound <- frame:
		return nil
	}
}

// Close tears the stream down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "sse" }

type blob struct {
	ref  string
	mime string
	data []byte
}

// blobStore holds offered binary payloads until the client retrieves them;
// retrieval is one-shot. The oldest blobs are dropped past the cap.
type blobStore struct {
	mu    sync.Mutex
	blobs map[string]*blob
	order []string
	max   int
}

func newBlobStore(max int) *blobStore {
	return &blobStore{blobs: map[string]*blob{}, max: max}
}

func (s *blobStore) put(ref, mime string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = &blob{ref: ref, mime: mime, data: data}
	s.order = append(s.order, ref)
	for len(s.order) > s.max {
		delete(s.blobs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *blobStore) take(ref string) (*blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[ref]
	if ok {
		delete(s.blobs, ref)
	}
	return b, ok
}

package transport

import (
	"context"
	"sync"
)

// Pipe returns a connected pair of in-memory connections. Frames sent on one
// end are received on the other, in order. Used by engine tests and by
// in-process client/server wiring.
func Pipe() (Conn, Conn) {
	a2b := make(chan *Frame, 128)
	b2a := make(chan *Frame, 128)
	shared := &pipeShared{}
	a := &pipeConn{in: b2a, out: a2b, shared: shared}
	b := &pipeConn{in: a2b, out: b2a, shared: shared}
	return a, b
}

type pipeShared struct {
	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func (s *pipeShared) done() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed == nil {
		s.closed = make(chan struct{})
	}
	return s.closed
}

func (s *pipeShared) close() {
	ch := s.done()
	s.once.Do(func() { close(ch) })
}

type pipeConn struct {
	in     chan *Frame
	out    chan *Frame
	shared *pipeShared
}

func (c *pipeConn) Receive(ctx context.Context) (*Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.shared.done():
		// drain frames already in flight before reporting closure
		select {
		case frame := <-c.in:
			return frame, nil
		default:
			return nil, ErrClosed
		}
	case frame := <-c.in:
		return frame, nil
	}
}

func (c *pipeConn) Send(ctx context.Context, frame *Frame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shared.done():
		return ErrClosed
	case c.out <- frame:
		return nil
	}
}

func (c *pipeConn) Close() error {
	c.shared.close()
	return nil
}

func (c *pipeConn) Kind() string { return "pipe" }

package streaming

import (
	"context"
	"io"
	"sync"

	"github.com/haipio/haip/transport"
)

// Conn adapts one request/response stream pair to the transport contract.
type Conn struct {
	reader    *transport.StreamReader
	writer    *transport.StreamWriter
	body      io.ReadCloser
	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn wraps the inbound body and the flushing response writer.
func NewConn(body io.ReadCloser, out io.Writer) *Conn {
	return &Conn{
		reader: transport.NewStreamReader(body),
		writer: transport.NewStreamWriter(out),
		body:   body,
		closed: make(chan struct{}),
	}
}

// Receive reads the next frame from the request body.
func (c *Conn) Receive(ctx context.Context) (*transport.Frame, error) {
	select {
	case <-c.closed:
		return nil, transport.ErrClosed
	default:
	}
	frame, err := c.reader.Next()
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, transport.ErrClosed
	}
	return frame, err
}

// Send writes one frame to the chunked response.
func (c *Conn) Send(ctx context.Context, frame *transport.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	return c.writer.WriteFrame(frame)
}

// Close ends both directions of the stream.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.body.Close()
	})
	return nil
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "streaming" }

// Package ws serves the duplex websocket transport: JSON envelopes as text
// messages, announced binary payloads as the immediately following binary
// message.
package ws

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/haipio/haip/transport"
)

// Conn adapts a websocket connection to the transport contract.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an upgraded websocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, closed: make(chan struct{})}
}

// Receive blocks for the next websocket message.
func (c *Conn) Receive(ctx context.Context) (*transport.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(noDeadline)
	}
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return nil, transport.ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil, transport.ErrClosed
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage:
			return transport.Text(data), nil
		case websocket.BinaryMessage:
			return transport.Binary(data), nil
		default:
			// control messages are handled by the websocket library
		}
	}
}

// Send writes one frame as a websocket message.
func (c *Conn) Send(ctx context.Context, frame *transport.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	messageType := websocket.TextMessage
	if frame.Type == transport.FrameBinary {
		messageType = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(messageType, frame.Data)
}

// Close closes the websocket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), closeDeadline())
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "websocket" }

// Package ws dials the duplex websocket transport.
package ws

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haipio/haip"
	"github.com/haipio/haip/transport"
)

// Options configure the dialer.
type Options struct {
	// Token is sent as an Authorization bearer header when set.
	Token string
	// Header carries extra request headers.
	Header http.Header
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
}

// Option customises Dial.
type Option func(*Options)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(o *Options) { o.Token = token }
}

// WithHeader adds a request header.
func WithHeader(key, value string) Option {
	return func(o *Options) {
		if o.Header == nil {
			o.Header = http.Header{}
		}
		o.Header.Set(key, value)
	}
}

// WithHandshakeTimeout bounds the upgrade.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = timeout }
}

// Dial connects to a websocket endpoint (ws:// or wss://) and returns the
// frame-level connection for the engine.
func Dial(ctx context.Context, endpoint string, options ...Option) (transport.Conn, error) {
	opts := &Options{HandshakeTimeout: 30 * time.Second}
	for _, opt := range options {
		opt(opts)
	}
	header := http.Header{}
	for key, values := range opts.Header {
		for _, value := range values {
			header.Add(key, value)
		}
	}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, haip.NewUnauthorizedError(resp.StatusCode, body)
		}
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return &Conn{ws: ws, closed: make(chan struct{})}, nil
}

// Conn adapts the dialed websocket to the transport contract.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Receive blocks for the next websocket message.
func (c *Conn) Receive(ctx context.Context) (*transport.Frame, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
		defer c.ws.SetReadDeadline(time.Time{})
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
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "websocket" }

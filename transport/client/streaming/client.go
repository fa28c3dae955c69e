// Package streaming dials the bidirectional chunked HTTP transport: the POST
// request body carries client frames and the chunked response body carries
// server frames, both in the NDJSON wire form.
package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/haipio/haip"
	"github.com/haipio/haip/transport"
)

// Options configure the dialer.
type Options struct {
	// Token is sent as an Authorization bearer header when set.
	Token string
	// HandshakeTimeout bounds the wait for response headers.
	HandshakeTimeout time.Duration
	// HTTPClient overrides the default client. It must not set a Timeout;
	// the stream lives for the whole session.
	HTTPClient *http.Client
}

// Option customises Dial.
type Option func(*Options)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(o *Options) { o.Token = token }
}

// WithHandshakeTimeout bounds the wait for response headers.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = timeout }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// Dial opens the long-lived POST and returns once response headers arrive.
func Dial(ctx context.Context, endpoint string, options ...Option) (transport.Conn, error) {
	opts := &Options{
		HandshakeTimeout: 30 * time.Second,
		HTTPClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 30 * time.Second},
		},
	}
	for _, opt := range options {
		opt(opts)
	}
	outReader, outWriter := io.Pipe()
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, endpoint, outReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Accept", "application/x-ndjson")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	type dialResult struct {
		resp *http.Response
		err  error
	}
	result := make(chan dialResult, 1)
	go func() {
		resp, err := opts.HTTPClient.Do(req)
		result <- dialResult{resp, err}
	}()

	timer := time.NewTimer(opts.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		_ = outWriter.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = outWriter.Close()
		return nil, fmt.Errorf("stream handshake timed out")
	case res := <-result:
		if res.err != nil {
			_ = outWriter.Close()
			return nil, fmt.Errorf("failed to open stream: %w", res.err)
		}
		if res.resp.StatusCode == http.StatusUnauthorized || res.resp.StatusCode == http.StatusForbidden {
			body, _ := io.ReadAll(io.LimitReader(res.resp.Body, 512))
			_ = outWriter.Close()
			_ = res.resp.Body.Close()
			return nil, haip.NewUnauthorizedError(res.resp.StatusCode, body)
		}
		if res.resp.StatusCode != http.StatusOK {
			_ = outWriter.Close()
			_ = res.resp.Body.Close()
			return nil, fmt.Errorf("invalid stream status code: %d", res.resp.StatusCode)
		}
		return &Conn{
			reader: transport.NewStreamReader(res.resp.Body),
			writer: transport.NewStreamWriter(outWriter),
			out:    outWriter,
			body:   res.resp.Body,
			closed: make(chan struct{}),
		}, nil
	}
}

// Conn is the client half of the chunked stream transport.
type Conn struct {
	reader    *transport.StreamReader
	writer    *transport.StreamWriter
	out       *io.PipeWriter
	body      io.ReadCloser
	closed    chan struct{}
	closeOnce sync.Once
}

// Receive reads the next frame from the response stream.
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

// Send writes one frame to the request stream.
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
		_ = c.out.Close()
		_ = c.body.Close()
	})
	return nil
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "streaming" }

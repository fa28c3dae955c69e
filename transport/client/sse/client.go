// Package sse dials the push+post transport: envelopes arrive as server-sent
// events, outbound envelopes go out as HTTP POSTs, and server-side binary
// payloads are fetched through the advertised blob endpoint.
package sse

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haipio/haip"
	"github.com/haipio/haip/transport"
	aurl "github.com/viant/afs/url"
)

// Options configure the dialer.
type Options struct {
	// Token is sent as an Authorization bearer header when set.
	Token string
	// HandshakeTimeout bounds the wait for the endpoint event.
	HandshakeTimeout time.Duration
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
	// Logger reports event-pump failures that no Receive caller is waiting on.
	Logger haip.Logger
}

// Option customises Dial.
type Option func(*Options)

// WithToken sets the bearer token.
func WithToken(token string) Option {
	return func(o *Options) { o.Token = token }
}

// WithHandshakeTimeout bounds the endpoint-event wait.
func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(o *Options) { o.HandshakeTimeout = timeout }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// WithLogger overrides the pump-failure logger.
func WithLogger(log haip.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

// endpoint mirrors the server's endpoint event payload.
type endpoint struct {
	Token     string `json:"token"`
	Handshake string `json:"handshake"`
	Message   string `json:"message"`
	Binary    string `json:"binary"`
}

// Dial connects to the stream endpoint and waits for the endpoint event.
func Dial(ctx context.Context, streamURL string, options ...Option) (transport.Conn, error) {
	opts := &Options{HandshakeTimeout: 30 * time.Second, HTTPClient: &http.Client{}, Logger: haip.DefaultLogger}
	for _, opt := range options {
		opt(opts)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, streamURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, haip.NewUnauthorizedError(resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("invalid stream status code: %d", resp.StatusCode)
	}
	reader := bufio.NewReader(resp.Body)

	hsCtx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()
	first, err := readEvent(hsCtx, reader)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("endpoint event: %w", err)
	}
	if first.Event != "endpoint" {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("unexpected first event: %s", first.Event)
	}
	var ep endpoint
	if err := json.Unmarshal([]byte(first.Data), &ep); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("malformed endpoint event: %w", err)
	}

	base := fmt.Sprintf("%s://%s", aurl.Scheme(streamURL, "http"), aurl.Host(streamURL))
	conn := &Conn{
		httpClient: opts.HTTPClient,
		token:      opts.Token,
		log:        opts.Logger,
		body:       resp.Body,
		messageURL: resolve(base, ep.Message),
		binaryURL:  resolve(base, ep.Binary),
		inbound:    make(chan *transport.Frame, 256),
		closed:     make(chan struct{}),
	}
	go conn.listen(reader)
	return conn, nil
}

func resolve(base, endpointURL string) string {
	if strings.HasPrefix(endpointURL, "http://") || strings.HasPrefix(endpointURL, "https://") {
		return endpointURL
	}
	return aurl.Join(base, endpointURL)
}

// Conn is the client half of the push+post transport.
type Conn struct {
	httpClient *http.Client
	token      string
	log        haip.Logger
	body       io.ReadCloser
	messageURL string
	binaryURL  string

	inbound chan *transport.Frame

	// pendingText holds an envelope announcing bin_len until its binary frame
	// arrives; both travel in one POST body
	pendingText []byte

	closed    chan struct{}
	closeOnce sync.Once
	err       error
	errMu     sync.Mutex
}

// listen pumps SSE message events into the inbound queue, synthesising the
// envelope+binary pairing for payloads offered by reference.
func (c *Conn) listen(reader *bufio.Reader) {
	ctx := context.Background()
	for {
		event, err := readEvent(ctx, reader)
		if err != nil {
			if err != io.EOF {
				c.log.Errorf("event stream read failed: %v", err)
			}
			c.setErr(err)
			c.Close()
			return
		}
		if event.Event != "message" {
			continue
		}
		frames, err := c.expand([]byte(event.Data))
		if err != nil {
			c.log.Errorf("binary retrieval failed: %v", err)
			c.setErr(err)
			c.Close()
			return
		}
		for _, frame := range frames {
			select {
			case <-c.closed:
				return
			case c.inbound <- frame:
			}
		}
	}
}

// expand fetches a referenced blob and rewrites the envelope to the
// bin_len form the engine expects.
func (c *Conn) expand(data []byte) ([]*transport.Frame, error) {
	if !bytes.Contains(data, []byte(`"bin_ref"`)) {
		return []*transport.Frame{transport.Text(data)}, nil
	}
	env, err := haip.Decode(data)
	if err != nil {
		// leave malformed envelopes to the engine's violation handling
		return []*transport.Frame{transport.Text(data)}, nil
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return []*transport.Frame{transport.Text(data)}, nil
	}
	ref, ok := payload["bin_ref"].(string)
	if !ok || ref == "" {
		return []*transport.Frame{transport.Text(data)}, nil
	}
	blob, mime, err := c.fetchBinary(ref)
	if err != nil {
		return nil, fmt.Errorf("fetch blob %s: %w", ref, err)
	}
	delete(payload, "bin_ref")
	rewritten, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = rewritten
	n := int64(len(blob))
	env.BinLen = &n
	env.BinMime = mime
	encoded, err := env.Encode()
	if err != nil {
		return nil, err
	}
	return []*transport.Frame{transport.Text(encoded), transport.Binary(blob)}, nil
}

func (c *Conn) fetchBinary(ref string) ([]byte, string, error) {
	req, err := http.NewRequest(http.MethodGet, c.binaryURL+"&ref="+ref, nil)
	if err != nil {
		return nil, "", err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("blob status code: %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// Receive blocks for the next pushed frame.
func (c *Conn) Receive(ctx context.Context) (*transport.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		select {
		case frame := <-c.inbound:
			return frame, nil
		default:
			if err := c.getErr(); err != nil {
				return nil, err
			}
			return nil, transport.ErrClosed
		}
	case frame := <-c.inbound:
		return frame, nil
	}
}

// Send posts envelopes to the message endpoint. An envelope announcing
// bin_len is held until its binary frame arrives; the pair then travels to
// the dedicated binary endpoint as one multipart upload.
func (c *Conn) Send(ctx context.Context, frame *transport.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	if frame.Type == transport.FrameBinary {
		if c.pendingText == nil {
			return fmt.Errorf("binary frame without an announcing envelope")
		}
		env := c.pendingText
		c.pendingText = nil
		return c.postBinary(ctx, env, frame.Data)
	}
	if transport.PeekBinLen(frame.Data) > 0 {
		c.pendingText = frame.Data
		return nil
	}
	body := append(frameCopy(frame.Data), '\n')
	return c.post(ctx, body)
}

// postBinary uploads an envelope+binary pair: the announcing envelope and the
// raw bytes ride as the "envelope" and "bin" multipart parts.
func (c *Conn) postBinary(ctx context.Context, env, bin []byte) error {
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	part, err := form.CreateFormField("envelope")
	if err != nil {
		return err
	}
	if _, err := part.Write(env); err != nil {
		return err
	}
	part, err = form.CreateFormField("bin")
	if err != nil {
		return err
	}
	if _, err := part.Write(bin); err != nil {
		return err
	}
	if err := form.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.binaryURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("binary upload status code: %d", resp.StatusCode)
	}
	return nil
}

func frameCopy(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

func (c *Conn) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("message post status code: %d", resp.StatusCode)
	}
	return nil
}

// Close ends the stream.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.body.Close()
	})
	return nil
}

// Kind implements transport.Conn.
func (c *Conn) Kind() string { return "sse" }

func (c *Conn) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil && err != io.EOF {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *Conn) getErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

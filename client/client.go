// Package client is the typed endpoint façade: it dials one of the three
// transports, drives the protocol engine in the client role, resumes dropped
// sessions with backoff and exposes blocking request helpers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip"
	"github.com/haipio/haip/engine"
	"github.com/haipio/haip/transport"
	ssec "github.com/haipio/haip/transport/client/sse"
	streamingc "github.com/haipio/haip/transport/client/streaming"
	wsc "github.com/haipio/haip/transport/client/ws"
	"github.com/rs/zerolog"
)

// Transport selects the wire adapter.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
	TransportStreaming Transport = "streaming"
)

// Handlers are the observable callbacks of a client. All fields are optional.
type Handlers struct {
	// OnMessage fires for every delivered application envelope not consumed
	// by a blocking helper.
	OnMessage func(env *haip.Envelope)
	// OnBinary fires for envelopes with a paired binary frame.
	OnBinary func(env *haip.Envelope, bin []byte)
	// OnToolCall fires when the server delegates a tool call to this client
	// and no local implementation is registered.
	OnToolCall func(call *engine.ToolCall, payload *haip.ToolCallPayload)
	// OnRunStarted and OnRunFinished track run lifecycle, including runs the
	// server starts on its own.
	OnRunStarted  func(run *engine.Run)
	OnRunFinished func(run *engine.Run)
	// OnError surfaces wire errors with the recommended recovery action.
	OnError func(err *haip.Error, action haip.Action)
	// OnDisconnect fires when the transport drops; the client resumes on its
	// own unless closed.
	OnDisconnect func(reason error)
	// OnResume fires after a successful re-attach.
	OnResume func()
}

// Client is a HAIP endpoint in the client role.
type Client struct {
	endpoint  string
	kind      Transport
	token     string
	log       zerolog.Logger
	cfg       engine.Config
	registry  *engine.Registry
	handlers  Handlers
	trips     *RoundTrips
	callWait  time.Duration
	backoffLo time.Duration
	backoffHi time.Duration
	attempts  int

	engine *engine.Engine

	mu      sync.Mutex
	session *engine.Session

	closed    chan struct{}
	closeOnce sync.Once
}

// Option customises the client.
type Option func(*Client)

// WithTransport selects the wire adapter explicitly. The default is inferred
// from the endpoint: ws/wss schemes dial the websocket, a path ending in /sse
// dials push+post, anything else dials the chunked stream.
func WithTransport(kind Transport) Option {
	return func(c *Client) { c.kind = kind }
}

// WithToken sets the bearer token presented on dial.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithConfig overrides the engine configuration.
func WithConfig(cfg engine.Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithRegistry registers client-side tool implementations the server may call.
func WithRegistry(registry *engine.Registry) Option {
	return func(c *Client) { c.registry = registry }
}

// WithHandlers registers the observable callbacks.
func WithHandlers(handlers Handlers) Option {
	return func(c *Client) { c.handlers = handlers }
}

// WithCallTimeout bounds blocking helpers such as CallTool and StartRun.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.callWait = timeout }
}

// WithBackoff tunes the resume loop: initial delay, cap, and attempt limit.
func WithBackoff(initial, max time.Duration, attempts int) Option {
	return func(c *Client) {
		c.backoffLo = initial
		c.backoffHi = max
		c.attempts = attempts
	}
}

// New creates a client for the endpoint. Connect establishes the session.
func New(endpoint string, options ...Option) *Client {
	c := &Client{
		endpoint:  endpoint,
		kind:      inferTransport(endpoint),
		log:       haip.NewLogger(nil),
		cfg:       engine.DefaultConfig(),
		trips:     NewRoundTrips(),
		callWait:  30 * time.Second,
		backoffLo: 250 * time.Millisecond,
		backoffHi: 30 * time.Second,
		attempts:  8,
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	engineOptions := []engine.Option{
		engine.WithLogger(c.log),
		engine.WithEvents(c.events()),
	}
	if c.registry != nil {
		engineOptions = append(engineOptions, engine.WithRegistry(c.registry))
	}
	c.engine = engine.New(engine.RoleClient, c.cfg, engineOptions...)
	return c
}

func inferTransport(endpoint string) Transport {
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		return TransportWebSocket
	}
	if strings.HasSuffix(endpoint, "/sse") {
		return TransportSSE
	}
	return TransportStreaming
}

// Connect dials the transport and completes the handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	session, err := c.engine.Connect(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return nil
}

func (c *Client) dial(ctx context.Context) (transport.Conn, error) {
	switch c.kind {
	case TransportWebSocket:
		return wsc.Dial(ctx, c.endpoint, wsc.WithToken(c.token))
	case TransportSSE:
		return ssec.Dial(ctx, c.endpoint, ssec.WithToken(c.token), ssec.WithLogger(haip.NewZeroLogger(c.log)))
	case TransportStreaming:
		return streamingc.Dial(ctx, c.endpoint, streamingc.WithToken(c.token))
	}
	return nil, fmt.Errorf("unknown transport: %s", c.kind)
}

// Session returns the current session, nil before Connect.
func (c *Client) Session() *engine.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// events bridges engine callbacks to the round-trip table and user handlers.
func (c *Client) events() *engine.Events {
	return &engine.Events{
		OnMessage: func(_ *engine.Session, env *haip.Envelope) {
			if c.consume(env) {
				return
			}
			if c.handlers.OnMessage != nil {
				c.handlers.OnMessage(env)
			}
		},
		OnBinary: func(_ *engine.Session, env *haip.Envelope, bin []byte) {
			if c.handlers.OnBinary != nil {
				c.handlers.OnBinary(env, bin)
			}
		},
		OnToolCall: func(_ *engine.Session, call *engine.ToolCall, payload *haip.ToolCallPayload) {
			if c.handlers.OnToolCall != nil {
				c.handlers.OnToolCall(call, payload)
			}
		},
		OnRunStarted: func(_ *engine.Session, run *engine.Run) {
			if trip, ok := c.trips.MatchRunStart(); ok {
				payload, _ := json.Marshal(&haip.RunStartedPayload{RunID: run.ID, ThreadID: run.ThreadID})
				trip.SetPayload(payload)
				return
			}
			if c.handlers.OnRunStarted != nil {
				c.handlers.OnRunStarted(run)
			}
		},
		OnRunFinished: func(_ *engine.Session, run *engine.Run) {
			if c.handlers.OnRunFinished != nil {
				c.handlers.OnRunFinished(run)
			}
		},
		OnError: func(_ *engine.Session, herr *haip.Error, action haip.Action) {
			if herr.RelatedID != "" {
				if trip, ok := c.trips.MatchCall(herr.RelatedID); ok {
					trip.SetError(herr)
					return
				}
			}
			if c.handlers.OnError != nil {
				c.handlers.OnError(herr, action)
			}
		},
		OnDisconnect: func(session *engine.Session, reason error) {
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(reason)
			}
			select {
			case <-c.closed:
				return
			default:
			}
			go c.resumeLoop(session)
		},
	}
}

// consume routes terminal envelopes to their waiting round trips. It returns
// true when the envelope answered a blocking helper.
func (c *Client) consume(env *haip.Envelope) bool {
	switch env.Type {
	case haip.TypeToolDone:
		p := &haip.ToolDonePayload{}
		if err := json.Unmarshal(env.Payload, p); err != nil {
			return false
		}
		if trip, ok := c.trips.MatchCall(p.CallID); ok {
			trip.SetPayload(env.Payload)
			return true
		}
	case haip.TypeToolList:
		p := &haip.ToolListPayload{}
		if err := json.Unmarshal(env.Payload, p); err != nil || p.Tools == nil {
			return false
		}
		if trip, ok := c.trips.MatchToolList(); ok {
			trip.SetPayload(env.Payload)
			return true
		}
	case haip.TypeToolSchema:
		p := &haip.ToolSchemaPayload{}
		if err := json.Unmarshal(env.Payload, p); err != nil || len(p.InputSchema) == 0 {
			return false
		}
		if trip, ok := c.trips.MatchSchema(p.Tool); ok {
			trip.SetPayload(env.Payload)
			return true
		}
	}
	return false
}

// resumeLoop re-dials with exponential backoff carrying the session's
// last delivered seq until re-attached, exhausted, or closed.
func (c *Client) resumeLoop(session *engine.Session) {
	delay := c.backoffLo
	for attempt := 1; c.attempts <= 0 || attempt <= c.attempts; attempt++ {
		select {
		case <-c.closed:
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.engine.Config().HandshakeTimeout)
		conn, err := c.dial(ctx)
		if err == nil {
			err = c.engine.Resume(ctx, session, conn)
		}
		cancel()
		if err == nil {
			c.log.Info().Str("session", session.ID).Int("attempt", attempt).Msg("session resumed")
			if c.handlers.OnResume != nil {
				c.handlers.OnResume()
			}
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("resume failed")
		if haip.IsUnauthorized(err) {
			break
		}
		delay *= 2
		if delay > c.backoffHi {
			delay = c.backoffHi
		}
	}
	herr := haip.NewError(haip.ErrTimeout, "resume attempts exhausted")
	c.trips.CloseWithError(herr)
	if c.handlers.OnError != nil {
		c.handlers.OnError(herr, haip.ActionResetSession)
	}
}

// SendText streams one user text message as START, PART, END and returns the
// message id.
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	session := c.Session()
	if session == nil {
		return "", fmt.Errorf("not connected")
	}
	messageID := uuid.New().String()
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeTextStart, &haip.TextStartPayload{
		MessageID: messageID,
		Author:    "USER",
	}); err != nil {
		return "", err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeTextPart, &haip.TextPartPayload{
		MessageID: messageID,
		Text:      text,
	}); err != nil {
		return "", err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeTextEnd, &haip.TextEndPayload{
		MessageID: messageID,
	}); err != nil {
		return "", err
	}
	return messageID, nil
}

// SendAudio ships one binary audio frame on the inbound audio channel.
func (c *Client) SendAudio(ctx context.Context, mime string, data []byte) (string, error) {
	session := c.Session()
	if session == nil {
		return "", fmt.Errorf("not connected")
	}
	messageID := uuid.New().String()
	err := session.SendBinary(ctx, haip.ChannelAudioIn, haip.TypeAudioChunk, &haip.AudioChunkPayload{
		MessageID: messageID,
		Mime:      mime,
	}, data, mime)
	return messageID, err
}

// StartRun asks the server to open a run and blocks for the id assignment.
func (c *Client) StartRun(ctx context.Context, threadID string, metadata map[string]interface{}) (*engine.Run, error) {
	session := c.Session()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}
	trip, err := c.trips.AddRunStart()
	if err != nil {
		return nil, err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeRunStarted, &haip.RunStartedPayload{
		ThreadID: threadID,
		Metadata: metadata,
	}); err != nil {
		return nil, err
	}
	payload, err := trip.Wait(ctx, c.callWait)
	if err != nil {
		return nil, err
	}
	p := &haip.RunStartedPayload{}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, err
	}
	run, ok := session.Run(p.RunID)
	if !ok {
		return nil, fmt.Errorf("run %s not tracked", p.RunID)
	}
	return run, nil
}

// FinishRun reports a run as complete.
func (c *Client) FinishRun(ctx context.Context, runID string, status haip.RunStatus, summary string) error {
	session := c.Session()
	if session == nil {
		return fmt.Errorf("not connected")
	}
	return session.Send(ctx, haip.ChannelUser, haip.TypeRunFinished, &haip.RunFinishedPayload{
		RunID:   runID,
		Status:  status,
		Summary: summary,
	})
}

// CancelRun requests cancellation; the server confirms with RUN_FINISHED.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	session := c.Session()
	if session == nil {
		return fmt.Errorf("not connected")
	}
	return session.Send(ctx, haip.ChannelUser, haip.TypeRunCancel, &haip.RunCancelPayload{RunID: runID})
}

// CallTool invokes a server-side tool and blocks for TOOL_DONE.
func (c *Client) CallTool(ctx context.Context, tool string, params interface{}) (*haip.ToolDonePayload, error) {
	session := c.Session()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}
	raw, err := haip.MarshalPayload(params)
	if err != nil {
		return nil, err
	}
	callID := uuid.New().String()
	trip, err := c.trips.AddCall(callID)
	if err != nil {
		return nil, err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeToolCall, &haip.ToolCallPayload{
		CallID: callID,
		Tool:   tool,
		Params: raw,
	}); err != nil {
		return nil, err
	}
	payload, err := trip.Wait(ctx, c.callWait)
	if err != nil {
		return nil, err
	}
	done := &haip.ToolDonePayload{}
	if err := json.Unmarshal(payload, done); err != nil {
		return nil, err
	}
	return done, nil
}

// ListTools asks the server for its tool catalogue.
func (c *Client) ListTools(ctx context.Context) ([]haip.ToolInfo, error) {
	session := c.Session()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}
	trip, err := c.trips.AddToolList()
	if err != nil {
		return nil, err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeToolList, nil); err != nil {
		return nil, err
	}
	payload, err := trip.Wait(ctx, c.callWait)
	if err != nil {
		return nil, err
	}
	p := &haip.ToolListPayload{}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, err
	}
	return p.Tools, nil
}

// ToolSchema fetches the input and output schema of one tool.
func (c *Client) ToolSchema(ctx context.Context, tool string) (*haip.ToolSchemaPayload, error) {
	session := c.Session()
	if session == nil {
		return nil, fmt.Errorf("not connected")
	}
	trip, err := c.trips.AddSchema(tool)
	if err != nil {
		return nil, err
	}
	if err := session.Send(ctx, haip.ChannelUser, haip.TypeToolSchema, &haip.ToolSchemaPayload{Tool: tool}); err != nil {
		return nil, err
	}
	payload, err := trip.Wait(ctx, c.callWait)
	if err != nil {
		return nil, err
	}
	p := &haip.ToolSchemaPayload{}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PauseChannel asks the peer to stop sending on a channel.
func (c *Client) PauseChannel(ctx context.Context, channel haip.Channel) error {
	session := c.Session()
	if session == nil {
		return fmt.Errorf("not connected")
	}
	return session.Send(ctx, haip.ChannelSystem, haip.TypePauseChannel, &haip.ChannelControlPayload{Channel: channel})
}

// ResumeChannel lifts a pause.
func (c *Client) ResumeChannel(ctx context.Context, channel haip.Channel) error {
	session := c.Session()
	if session == nil {
		return fmt.Errorf("not connected")
	}
	return session.Send(ctx, haip.ChannelSystem, haip.TypeResumeChannel, &haip.ChannelControlPayload{Channel: channel})
}

// Close tears down the session and the engine.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.trips.CloseWithError(haip.NewError(haip.ErrTimeout, "client closed"))
	})
	return c.engine.Close()
}

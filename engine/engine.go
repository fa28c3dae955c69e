package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip"
	"github.com/haipio/haip/internal/collection"
	"github.com/haipio/haip/transport"
	"github.com/rs/zerolog"
)

// Metrics receives engine counters. The metrics package supplies a Prometheus
// implementation; the default discards everything.
type Metrics interface {
	EnvelopeSent(transport string, bytes int)
	EnvelopeReceived(transport string, bytes int)
	ReplaySent(transport string)
	SessionOpened()
	SessionClosed()
	Violation(code string)
}

type nopMetrics struct{}

func (nopMetrics) EnvelopeSent(string, int)     {}
func (nopMetrics) EnvelopeReceived(string, int) {}
func (nopMetrics) ReplaySent(string)            {}
func (nopMetrics) SessionOpened()               {}
func (nopMetrics) SessionClosed()               {}
func (nopMetrics) Violation(string)             {}

// Engine drives HAIP sessions for one endpoint role over any transport that
// satisfies transport.Conn.
type Engine struct {
	role     Role
	cfg      Config
	log      zerolog.Logger
	registry *Registry
	events   *Events
	metrics  Metrics
	sessions *collection.SyncMap[string, *Session]

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customises engine construction.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRegistry sets the tool registry shared by all sessions.
func WithRegistry(registry *Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithEvents registers the observable callbacks.
func WithEvents(events *Events) Option {
	return func(e *Engine) { e.events = events }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// New creates an engine for the given role. Zero config fields take protocol
// defaults.
func New(role Role, cfg Config, opts ...Option) *Engine {
	cfg.normalize()
	e := &Engine{
		role:     role,
		cfg:      cfg,
		log:      haip.NewLogger(nil).With().Str("role", role.String()).Logger(),
		registry: NewRegistry(),
		events:   &Events{},
		metrics:  nopMetrics{},
		sessions: collection.NewSyncMap[string, *Session](),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.events == nil {
		e.events = &Events{}
	}
	e.wg.Add(1)
	go e.reapLoop()
	return e
}

// Registry returns the engine's tool registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Session returns a live session by id.
func (e *Engine) Session(id string) (*Session, bool) {
	return e.sessions.Get(id)
}

// Sessions snapshots all live sessions.
func (e *Engine) Sessions() []*Session {
	out := make([]*Session, 0, e.sessions.Size())
	e.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// SessionCount returns the number of live sessions.
func (e *Engine) SessionCount() int { return e.sessions.Size() }

// Close tears down every session and stops background work.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.sessions.Range(func(_ string, s *Session) bool {
			e.destroySession(s)
			return true
		})
	})
	e.wg.Wait()
	return nil
}

// CloseSession destroys one session immediately.
func (e *Engine) CloseSession(id string) {
	if s, ok := e.sessions.Get(id); ok {
		e.destroySession(s)
	}
}

func (e *Engine) destroySession(s *Session) {
	s.destroy()
	if s.ID != "" {
		e.sessions.Delete(s.ID)
	}
	e.metrics.SessionClosed()
}

// ServeConn runs the server side of the handshake on a freshly accepted
// transport and starts the session loops. The first frame must be a HAI
// envelope; a session id in it requests a resume.
func (e *Engine) ServeConn(ctx context.Context, conn transport.Conn) (*Session, error) {
	if e.role != RoleServer {
		conn.Close()
		return nil, haip.NewError(haip.ErrProtocolViolation, "ServeConn requires the server role")
	}
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	frame, err := conn.Receive(hctx)
	cancel()
	if err != nil {
		conn.Close()
		return nil, haip.NewError(haip.ErrTimeout, "handshake read: %v", err)
	}
	if frame.Type != transport.FrameText {
		conn.Close()
		return nil, haip.NewError(haip.ErrBinaryFrameError, "handshake must be a text frame")
	}
	env, derr := haip.Decode(frame.Data)
	if derr != nil {
		conn.Close()
		return nil, haip.NewProtocolViolation("envelope", derr.Error())
	}
	if env.Type != haip.TypeHai {
		conn.Close()
		return nil, haip.NewProtocolViolation("type", "first envelope must be HAI")
	}
	var hello haip.HaiPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		conn.Close()
		return nil, haip.NewProtocolViolation("payload", err.Error())
	}
	if !versionCompatible(&hello) {
		herr := haip.NewError(haip.ErrVersionIncompatible,
			"peer version %s not compatible with major %d", hello.HaipVersion, haip.Major).
			WithDetail("supported_major", haip.Major)
		e.rejectHandshake(ctx, conn, env, herr)
		return nil, herr
	}

	var s *Session
	var replays []replayEntry
	resumeFailed := false
	if env.Session != "" {
		prev, ok := e.sessions.Get(env.Session)
		if ok && prev.State() != SessionClosed {
			lastRx := uint64(0)
			if hello.LastRxSeq != "" {
				lastRx, _ = haip.ParseSeq(hello.LastRxSeq)
			}
			entries, herr := prev.replay.Since(lastRx)
			if herr == nil {
				s = prev
				replays = entries
			} else {
				resumeFailed = true
			}
		} else {
			resumeFailed = true
		}
	}
	resumed := s != nil
	if s == nil {
		s = newSession(uuid.New().String(), e)
		e.sessions.Put(s.ID, s)
		e.metrics.SessionOpened()
	}
	s.applyPeerHello(env, &hello)

	// The peer's HAI consumes an inbound seq. On a resumed session only a
	// contiguous seq may advance the cumulative ack: a seq further ahead is
	// marked consumed while the ack stays at the last envelope actually
	// processed, so the reply's last_rx_seq tells the peer what to replay. A
	// new session takes the HAI seq as its inbound baseline.
	if resumed {
		e.syncHai(ctx, s, env)
	} else if seq := env.SeqValue(); seq > s.tracker.Delivered() {
		s.tracker.restore(seq)
		s.noteDelivered()
	}

	// replays precede the HAI reply so the peer observes a contiguous stream
	pre := make([]*outbound, 0, len(replays)+1)
	for _, entry := range replays {
		pre = append(pre, &outbound{raw: entry.data, rawBin: entry.bin})
	}
	reply, err := haip.MarshalPayload(e.haiPayload(s.tracker.Delivered()))
	if err != nil {
		conn.Close()
		return nil, err
	}
	pre = append(pre, &outbound{env: &haip.Envelope{
		ID:      uuid.New().String(),
		Session: s.ID,
		Channel: haip.ChannelSystem,
		Type:    haip.TypeHai,
		Payload: reply,
	}})
	s.setPreamble(pre)

	_, done := s.bind(conn)
	e.startLoops(s, conn, done)
	e.events.connect(s)
	if resumeFailed {
		s.enqueueError(haip.NewError(haip.ErrResumeFailed,
			"session %s not resumable, new session %s assigned", env.Session, s.ID).
			WithRelated(env.ID))
	}
	e.events.handshake(s)
	s.log.Info().Str("transport", conn.Kind()).Bool("resumed", len(replays) > 0 || (env.Session != "" && !resumeFailed)).Msg("session established")
	return s, nil
}

// Connect runs the client side of the handshake on a fresh transport and
// blocks until the server's HAI reply arrives.
func (e *Engine) Connect(ctx context.Context, conn transport.Conn) (*Session, error) {
	if e.role != RoleClient {
		conn.Close()
		return nil, haip.NewError(haip.ErrProtocolViolation, "Connect requires the client role")
	}
	return e.connect(ctx, conn, newSession("", e), 0)
}

// Resume re-attaches a detached session over a new transport, replaying the
// peer's missed envelopes in both directions.
func (e *Engine) Resume(ctx context.Context, s *Session, conn transport.Conn) error {
	if e.role != RoleClient {
		conn.Close()
		return haip.NewError(haip.ErrProtocolViolation, "Resume requires the client role")
	}
	if s.State() == SessionClosed {
		conn.Close()
		return ErrSessionClosed
	}
	_, err := e.connect(ctx, conn, s, s.tracker.Delivered())
	return err
}

func (e *Engine) connect(ctx context.Context, conn transport.Conn, s *Session, lastRx uint64) (*Session, error) {
	payload, err := haip.MarshalPayload(e.haiPayload(lastRx))
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.hsOnce = make(chan *haip.Error, 1)
	s.setPreamble([]*outbound{{env: &haip.Envelope{
		ID:      uuid.New().String(),
		Session: s.ID,
		Channel: haip.ChannelSystem,
		Type:    haip.TypeHai,
		Payload: payload,
	}}})
	_, done := s.bind(conn)
	e.startLoops(s, conn, done)
	e.events.connect(s)

	select {
	case herr := <-s.hsOnce:
		if herr != nil {
			e.detachConn(s, conn, herr)
			return nil, herr
		}
		return s, nil
	case <-time.After(e.cfg.HandshakeTimeout):
		herr := haip.NewError(haip.ErrTimeout, "handshake timed out after %s", e.cfg.HandshakeTimeout)
		e.detachConn(s, conn, herr)
		return nil, herr
	case <-ctx.Done():
		e.detachConn(s, conn, nil)
		return nil, ctx.Err()
	}
}

// handleClientHai processes the server's HAI reply: version check, session
// identity adoption and the symmetric outbound replay on resume.
func (e *Engine) handleClientHai(s *Session, env *haip.Envelope) {
	var hello haip.HaiPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		s.hsDone(haip.NewProtocolViolation("payload", err.Error()))
		return
	}
	if !versionCompatible(&hello) {
		s.hsDone(haip.NewError(haip.ErrVersionIncompatible,
			"server version %s not compatible with major %d", hello.HaipVersion, haip.Major))
		return
	}
	if env.Session != "" && env.Session != s.ID {
		// fresh identity: either the first handshake or a failed resume that
		// produced a new session
		if s.ID != "" {
			e.sessions.Delete(s.ID)
			// the replacement session starts a fresh seq space on the server
			// side; re-baseline inbound tracking at its HAI
			s.tracker.restore(env.SeqValue())
		}
		s.ID = env.Session
		s.log = e.log.With().Str("session", s.ID).Logger()
		s.tools.sessionID = s.ID
		e.sessions.Put(s.ID, s)
		e.metrics.SessionOpened()
	}
	s.applyPeerHello(env, &hello)
	if hello.LastRxSeq != "" {
		if lastRx, err := haip.ParseSeq(hello.LastRxSeq); err == nil {
			if entries, herr := s.replay.Since(lastRx); herr == nil {
				for _, entry := range entries {
					select {
					case <-s.closed:
						return
					case s.out <- &outbound{raw: entry.data, rawBin: entry.bin}:
					}
				}
			}
		}
	}
	e.events.handshake(s)
	s.hsDone(nil)
}

// rejectHandshake answers a pre-session handshake failure with a single ERROR
// envelope and closes the transport.
func (e *Engine) rejectHandshake(ctx context.Context, conn transport.Conn, cause *haip.Envelope, herr *haip.Error) {
	payload, err := haip.MarshalPayload(herr.WithRelated(cause.ID).Payload())
	if err == nil {
		env := &haip.Envelope{
			ID:      uuid.New().String(),
			Session: cause.Session,
			Seq:     haip.FormatSeq(1),
			Ack:     cause.Seq,
			TS:      time.Now().UnixMilli(),
			Channel: haip.ChannelSystem,
			Type:    haip.TypeError,
			Payload: payload,
		}
		if data, encErr := env.Encode(); encErr == nil {
			_ = conn.Send(ctx, transport.Text(data))
		}
	}
	conn.Close()
}

func (e *Engine) haiPayload(lastRx uint64) *haip.HaiPayload {
	p := &haip.HaiPayload{
		HaipVersion:  haip.Version,
		AcceptMajor:  []int{haip.Major},
		AcceptEvents: e.cfg.AcceptEvents,
		Capabilities: e.capabilities(),
	}
	if lastRx > 0 {
		p.LastRxSeq = haip.FormatSeq(lastRx)
	}
	return p
}

func (e *Engine) capabilities() *haip.Capabilities {
	caps := &haip.Capabilities{
		MaxConcurrentRuns: e.cfg.MaxConcurrentRuns,
		BinaryFrames:      true,
	}
	if e.cfg.Flow.Enabled {
		credit := e.cfg.Flow.Initial[haip.ChannelAgent]
		caps.FlowControl = &haip.FlowCapability{
			InitialCreditMessages: credit.Messages,
			InitialCreditBytes:    credit.Bytes,
			MaxCreditMessages:     e.cfg.Flow.MaxCreditMessages,
			MaxCreditBytes:        e.cfg.Flow.MaxCreditBytes,
		}
	}
	return caps
}

// versionCompatible applies the major-version rule: the peer is acceptable
// when it speaks our major or advertises it in accept_major.
func versionCompatible(hello *haip.HaiPayload) bool {
	if majorOf(hello.HaipVersion) == haip.Major {
		return true
	}
	for _, m := range hello.AcceptMajor {
		if m == haip.Major {
			return true
		}
	}
	return false
}

func majorOf(version string) int {
	head, _, _ := strings.Cut(version, ".")
	major, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return major
}

func (e *Engine) startLoops(s *Session, conn transport.Conn, done chan struct{}) {
	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		s.writeLoop(conn, done)
	}()
	go func() {
		defer e.wg.Done()
		e.readLoop(s, conn, done)
	}()
	go func() {
		defer e.wg.Done()
		e.heartbeatLoop(s, conn, done)
	}()
}

// readLoop decodes inbound frames, enforces the JSON+binary pairing, feeds
// the ordering tracker and dispatches delivered envelopes.
func (e *Engine) readLoop(s *Session, conn transport.Conn, done chan struct{}) {
	// tool handlers and callbacks can recover the session id from the context
	ctx := context.WithValue(context.Background(), haip.SessionKey, s.ID)
	for {
		select {
		case <-done:
			return
		case <-s.closed:
			return
		default:
		}
		frame, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				err = nil
			}
			e.detachConn(s, conn, err)
			return
		}
		if frame.Type == transport.FrameBinary {
			e.violation(s, conn, haip.NewError(haip.ErrBinaryFrameError,
				"binary frame without an announcing envelope"))
			continue
		}
		env, derr := haip.Decode(frame.Data)
		if derr != nil {
			e.violation(s, conn, haip.NewProtocolViolation("envelope", derr.Error()))
			continue
		}
		s.touch()

		var bin []byte
		if n := env.BinaryLen(); n > 0 {
			next, rerr := conn.Receive(ctx)
			if rerr != nil {
				e.detachConn(s, conn, rerr)
				return
			}
			if next.Type != transport.FrameBinary || int64(len(next.Data)) != n {
				e.violation(s, conn, haip.NewError(haip.ErrBinaryFrameError,
					"expected a binary frame of %d bytes", n).WithRelated(env.ID))
				continue
			}
			bin = next.Data
		}
		e.metrics.EnvelopeReceived(conn.Kind(), len(frame.Data)+len(bin))

		if ack := env.AckValue(); ack > 0 {
			s.replay.Ack(ack)
		}

		// HAI is a sync point handled out of band
		if env.Type == haip.TypeHai {
			if e.role == RoleClient {
				e.handleClientHai(s, env)
			} else {
				e.violation(s, conn, haip.NewProtocolViolation("type", "unexpected HAI on an established session"))
			}
			e.syncHai(ctx, s, env)
			continue
		}

		deliver, gap, dup := s.tracker.Observe(&inboundFrame{env: env, bin: bin})
		if gap != nil {
			s.enqueueControl(haip.TypeReplayRequest, &haip.ReplayRequestPayload{
				FromSeq: haip.FormatSeq(gap.from),
				ToSeq:   haip.FormatSeq(gap.to),
			})
		}
		if dup {
			continue
		}
		for _, item := range deliver {
			if !controlExempt(item.env.Type) {
				if grant := s.flow.Consume(item.env.Channel, inboundSize(item)); grant != nil {
					s.enqueueControl(haip.TypeFlowUpdate, grant)
				}
			}
			// a received dedicated ACK carries no payload to acknowledge back;
			// counting it as debt would have two idle peers trade ACKs forever
			if item.env.Type != haip.TypeAck {
				s.noteDelivered()
			}
			e.dispatch(ctx, s, item.env, item.bin)
		}
	}
}

// syncHai folds a HAI's seq into the inbound tracker. A contiguous seq
// advances delivery like regular traffic, draining anything buffered behind
// it; a seq further ahead is only marked consumed, keeping the cumulative
// ack at the last envelope actually processed so the peer replays the rest.
func (e *Engine) syncHai(ctx context.Context, s *Session, env *haip.Envelope) {
	deliver, advanced := s.tracker.markConsumed(env.SeqValue())
	if !advanced {
		return
	}
	s.noteDelivered()
	ctx = context.WithValue(ctx, haip.SessionKey, s.ID)
	for _, item := range deliver {
		if !controlExempt(item.env.Type) {
			if grant := s.flow.Consume(item.env.Channel, inboundSize(item)); grant != nil {
				s.enqueueControl(haip.TypeFlowUpdate, grant)
			}
		}
		if item.env.Type != haip.TypeAck {
			s.noteDelivered()
		}
		e.dispatch(ctx, s, item.env, item.bin)
	}
}

// inboundSize mirrors the sender-side estimate so both ends account credit
// with the same arithmetic.
func inboundSize(item *inboundFrame) int64 {
	const envelopeOverhead = 192
	return int64(len(item.env.Payload)) + envelopeOverhead + int64(len(item.bin))
}

// dispatch routes one delivered envelope.
func (e *Engine) dispatch(ctx context.Context, s *Session, env *haip.Envelope, bin []byte) {
	if !controlExempt(env.Type) && !e.accepts(env.Type) {
		s.enqueueError(haip.NewError(haip.ErrUnsupportedType,
			"event type %s not accepted", env.Type).WithRelated(env.ID))
		return
	}
	switch env.Type {
	case haip.TypePing:
		var p haip.PingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.enqueueControl(haip.TypePong, &haip.PongPayload{Nonce: p.Nonce})

	case haip.TypePong:
		var p haip.PongPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.pingMu.Lock()
		if p.Nonce == s.pingNonce {
			s.pingPending = false
		}
		s.pingMu.Unlock()

	case haip.TypeAck:
		// cumulative ack already applied from the envelope header

	case haip.TypeFlowUpdate:
		var p haip.FlowUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		if p.AddMessages == 0 && p.AddBytes == 0 {
			// zero adds is the peer asking for replenishment
			if grant := s.flow.RequestGrant(p.Channel); grant != nil {
				s.enqueueControl(haip.TypeFlowUpdate, grant)
			}
			return
		}
		s.flow.Grant(p.Channel, p.AddMessages, p.AddBytes)
		s.signalWake()

	case haip.TypePauseChannel:
		var p haip.ChannelControlPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.flow.SetPaused(p.Channel, true)

	case haip.TypeResumeChannel:
		var p haip.ChannelControlPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.flow.SetPaused(p.Channel, false)
		s.signalWake()

	case haip.TypeReplayRequest:
		var p haip.ReplayRequestPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		from, perr := haip.ParseSeq(p.FromSeq)
		if perr != nil {
			s.enqueueError(haip.NewProtocolViolation("from_seq", perr.Error()).WithRelated(env.ID))
			return
		}
		var to uint64
		if p.ToSeq != "" {
			if to, perr = haip.ParseSeq(p.ToSeq); perr != nil {
				s.enqueueError(haip.NewProtocolViolation("to_seq", perr.Error()).WithRelated(env.ID))
				return
			}
		}
		entries, herr := s.replay.Range(from, to)
		if herr != nil {
			s.enqueueError(herr.WithRelated(env.ID))
			return
		}
		// re-transmission runs off the reader so a full writer queue cannot
		// stall inbound processing
		go func() {
			for _, entry := range entries {
				select {
				case <-s.closed:
					return
				case s.out <- &outbound{raw: entry.data, rawBin: entry.bin}:
				}
			}
		}()

	case haip.TypeRunStarted:
		var p haip.RunStartedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		run, herr := s.runs.Start(&p, e.role == RoleServer)
		if herr != nil {
			s.enqueueError(herr.WithRelated(env.ID))
			return
		}
		if e.role == RoleServer {
			_ = s.Send(ctx, haip.ChannelAgent, haip.TypeRunStarted, &haip.RunStartedPayload{
				RunID:    run.ID,
				ThreadID: run.ThreadID,
				Metadata: run.Metadata,
			})
		}
		e.events.runStarted(s, run)

	case haip.TypeRunFinished:
		var p haip.RunFinishedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		run, herr := s.runs.Finish(p.RunID, p.Status, p.Summary)
		if herr != nil {
			s.enqueueError(herr.WithRelated(env.ID))
			return
		}
		e.events.runFinished(s, run)

	case haip.TypeRunCancel:
		var p haip.RunCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		run, herr := s.runs.Cancel(p.RunID)
		if herr != nil {
			s.enqueueError(herr.WithRelated(env.ID))
			return
		}
		s.tools.CancelRun(p.RunID)
		if e.role == RoleServer {
			_ = s.Send(ctx, haip.ChannelAgent, haip.TypeRunFinished, &haip.RunFinishedPayload{
				RunID:  run.ID,
				Status: haip.RunCancelled,
			})
		}
		e.events.runFinished(s, run)

	case haip.TypeRunError:
		var p haip.RunErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		if run, herr := s.runs.Fail(p.RunID, p.Error); herr == nil {
			e.events.runFinished(s, run)
		}
		e.events.message(s, env)

	case haip.TypeToolCall:
		var p haip.ToolCallPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.tools.HandleCall(ctx, &p)

	case haip.TypeToolUpdate:
		var p haip.ToolUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.tools.HandleUpdate(&p)
		e.events.message(s, env)

	case haip.TypeToolDone:
		e.events.message(s, env)

	case haip.TypeToolCancel:
		var p haip.ToolCancelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		s.tools.HandleCancel(&p)

	case haip.TypeToolList:
		var p haip.ToolListPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		if len(p.Tools) == 0 {
			// empty list is a discovery request
			_ = s.Send(ctx, haip.ChannelSystem, haip.TypeToolList, &haip.ToolListPayload{
				Tools: e.registry.List(),
			})
			return
		}
		e.events.message(s, env)

	case haip.TypeToolSchema:
		var p haip.ToolSchemaPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		if p.InputSchema == nil && p.OutputSchema == nil {
			schema, ok := e.registry.Schemas(p.Tool)
			if !ok {
				s.enqueueError(haip.NewError(haip.ErrToolNotFound,
					"tool %s not registered", p.Tool).WithRelated(env.ID))
				return
			}
			_ = s.Send(ctx, haip.ChannelSystem, haip.TypeToolSchema, schema)
			return
		}
		e.events.message(s, env)

	case haip.TypeError:
		var p haip.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			e.payloadViolation(s, env, err)
			return
		}
		e.events.error(s, &haip.Error{
			Code:      p.Code,
			Message:   p.Message,
			RelatedID: p.RelatedID,
			Detail:    p.Detail,
		})

	case haip.TypeTextStart, haip.TypeTextPart, haip.TypeTextEnd, haip.TypeAudioChunk:
		if bin != nil {
			e.events.binary(s, env, bin)
			return
		}
		e.events.message(s, env)

	default:
		e.events.message(s, env)
	}
}

func (e *Engine) accepts(t haip.EventType) bool {
	if len(e.cfg.AcceptEvents) == 0 {
		return true
	}
	for _, accepted := range e.cfg.AcceptEvents {
		if accepted == t {
			return true
		}
	}
	return false
}

func (e *Engine) payloadViolation(s *Session, env *haip.Envelope, err error) {
	s.enqueueError(haip.NewProtocolViolation("payload", err.Error()).WithRelated(env.ID))
}

// violation records a peer protocol violation; past the threshold the
// transport is closed.
func (e *Engine) violation(s *Session, conn transport.Conn, herr *haip.Error) {
	e.metrics.Violation(string(herr.Code))
	s.enqueueError(herr)
	s.mu.Lock()
	s.violations++
	count := s.violations
	s.mu.Unlock()
	if count > e.cfg.ViolationThreshold {
		e.detachConn(s, conn, haip.NewError(haip.ErrProtocolViolation,
			"violation threshold %d exceeded", e.cfg.ViolationThreshold))
	}
}

// heartbeatLoop probes an idle peer with PING and detaches the transport when
// the PONG does not arrive in time. The session stays resumable.
func (e *Engine) heartbeatLoop(s *Session, conn transport.Conn, done chan struct{}) {
	tick := e.cfg.HeartbeatInterval / 4
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-s.closed:
			return
		case <-ticker.C:
		}
		s.pingMu.Lock()
		pending := s.pingPending
		sentAt := s.pingSentAt
		s.pingMu.Unlock()
		if pending && time.Since(sentAt) > e.cfg.HeartbeatTimeout {
			e.detachConn(s, conn, haip.NewError(haip.ErrTimeout,
				"no PONG within %s", e.cfg.HeartbeatTimeout))
			return
		}
		s.mu.Lock()
		idle := time.Since(s.lastInbound)
		s.mu.Unlock()
		if !pending && idle >= e.cfg.HeartbeatInterval {
			nonce := uuid.New().String()
			s.pingMu.Lock()
			s.pingNonce = nonce
			s.pingSentAt = time.Now()
			s.pingPending = true
			s.pingMu.Unlock()
			s.enqueueControl(haip.TypePing, &haip.PingPayload{Nonce: nonce})
		}
	}
}

// detachConn unbinds the transport from the session, leaving it resumable
// until the replay window expires.
func (e *Engine) detachConn(s *Session, conn transport.Conn, reason error) {
	if !s.detach(conn) {
		return
	}
	conn.Close()
	if reason != nil {
		s.log.Warn().Err(reason).Msg("transport detached")
	} else {
		s.log.Debug().Msg("transport detached")
	}
	e.events.disconnect(s, reason)
}

// reapLoop destroys detached sessions whose resume window has expired.
func (e *Engine) reapLoop() {
	defer e.wg.Done()
	tick := e.cfg.ReplayWindowTime / 4
	if tick > 30*time.Second {
		tick = 30 * time.Second
	}
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
		}
		e.sessions.Range(func(_ string, s *Session) bool {
			s.mu.Lock()
			expired := s.state == SessionDetached &&
				time.Since(s.detachedAt) > e.cfg.ReplayWindowTime
			s.mu.Unlock()
			if expired {
				s.log.Info().Msg("resume window expired, destroying session")
				e.destroySession(s)
			}
			return true
		})
	}
}

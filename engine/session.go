package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip"
	"github.com/haipio/haip/internal/pointer"
	"github.com/haipio/haip/transport"
	"github.com/rs/zerolog"
)

// SessionState is the lifecycle state of a session.
type SessionState int32

const (
	SessionActive SessionState = iota
	SessionDetached
	SessionClosed
)

// outbound is one writer-queue element: the envelope (seq, ack and ts are
// stamped at emission), its binary payload, or pre-encoded replay bytes that
// must be re-emitted byte-for-byte.
type outbound struct {
	env    *haip.Envelope
	bin    []byte
	raw    []byte
	rawBin []byte
}

// Session owns all per-session protocol state. State is mutated only from
// the session's reader and writer tasks; cross-task interaction goes through
// the writer queue.
type Session struct {
	ID   string
	Role Role

	engine *Engine
	log    zerolog.Logger

	mu          sync.Mutex
	conn        transport.Conn
	state       SessionState
	createdAt   time.Time
	lastInbound time.Time
	detachedAt  time.Time
	connDone    chan struct{}
	writerGen   uint64

	peerVersion string
	peerEvents  map[haip.EventType]bool
	peerCaps    *haip.Capabilities

	out      chan *outbound
	wake     chan struct{}
	deferred map[haip.Channel][]*outbound
	defMu    sync.Mutex

	// preamble is emitted by the writer before it starts draining the queue;
	// the handshake paths use it for the HAI and resume replays.
	preMu    sync.Mutex
	preamble []*outbound

	seq     sequencer
	tracker *inboundTracker
	replay  *replayWindow
	flow    *flowController
	runs    *runManager
	tools   *toolManager

	ackMu     sync.Mutex
	ackDebt   int
	ackQueued bool

	pingMu      sync.Mutex
	pingNonce   string
	pingSentAt  time.Time
	pingPending bool

	violations int

	closed    chan struct{}
	closeOnce sync.Once

	// handshake completion, observed by the client role and by ServeConn
	hsOnce chan *haip.Error
}

func newSession(id string, e *Engine) *Session {
	cfg := e.cfg
	s := &Session{
		ID:        id,
		Role:      e.role,
		engine:    e,
		log:       e.log.With().Str("session", id).Logger(),
		state:     SessionDetached,
		createdAt: time.Now(),
		connDone:  make(chan struct{}),
		out:       make(chan *outbound, cfg.OutboundQueueSize),
		wake:      make(chan struct{}, 1),
		deferred:  map[haip.Channel][]*outbound{},
		tracker:   newInboundTracker(cfg.MaxDeferred * 4),
		replay:    newReplayWindow(cfg.ReplayWindowSize, cfg.ReplayWindowTime),
		runs:      newRunManager(cfg.MaxConcurrentRuns),
		closed:    make(chan struct{}),
		hsOnce:    make(chan *haip.Error, 1),
	}
	s.flow = newFlowController(cfg.Flow, func() int { return len(s.out) })
	s.tools = newToolManager(e.registry, cfg.ToolTimeout, id)
	s.tools.emit = func(t haip.EventType, payload interface{}) {
		_ = s.Send(context.Background(), haip.ChannelAgent, t, payload)
	}
	s.tools.observe = func(call *ToolCall, payload *haip.ToolCallPayload) {
		e.events.toolCall(s, call, payload)
	}
	close(s.connDone)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastOutboundSeq returns the last emitted outbound sequence.
func (s *Session) LastOutboundSeq() uint64 { return s.seq.Last() }

// LastDeliveredSeq returns the highest contiguously delivered inbound seq.
func (s *Session) LastDeliveredSeq() uint64 { return s.tracker.Delivered() }

// ActiveRuns returns the number of active runs.
func (s *Session) ActiveRuns() int { return s.runs.Active() }

// InflightToolCalls returns the number of open tool-call rows.
func (s *Session) InflightToolCalls() int { return s.tools.Inflight() }

// Credits reports the outbound credit pools.
func (s *Session) Credits() []CreditSnapshot { return s.flow.Snapshot() }

// Run returns a run record by id.
func (s *Session) Run(id string) (*Run, bool) { return s.runs.Get(id) }

// ErrSessionClosed is returned by sends on a destroyed session.
var ErrSessionClosed = haip.NewError(haip.ErrTimeout, "session closed")

// Send enqueues an envelope of the given type on a channel. Seq, ack and
// timestamp are assigned by the writer at emission so wire order matches
// sequence order.
func (s *Session) Send(ctx context.Context, ch haip.Channel, t haip.EventType, payload interface{}) error {
	return s.SendBinary(ctx, ch, t, payload, nil, "")
}

// SendBinary enqueues an envelope announcing a binary frame. The frame is
// written immediately after the envelope with nothing interposed.
func (s *Session) SendBinary(ctx context.Context, ch haip.Channel, t haip.EventType, payload interface{}, bin []byte, mime string) error {
	raw, err := haip.MarshalPayload(payload)
	if err != nil {
		return err
	}
	env := &haip.Envelope{
		ID:      uuid.New().String(),
		Session: s.ID,
		Channel: ch,
		Type:    t,
		Payload: raw,
	}
	if bin != nil {
		env.BinLen = pointer.Ref(int64(len(bin)))
		env.BinMime = mime
	}
	return s.enqueue(ctx, &outbound{env: env, bin: bin})
}

// EmitToolUpdate lets an external tool executor publish progress for a
// delegated call.
func (s *Session) EmitToolUpdate(ctx context.Context, p *haip.ToolUpdatePayload) error {
	s.tools.HandleUpdate(p)
	return s.Send(ctx, haip.ChannelAgent, haip.TypeToolUpdate, p)
}

// EmitToolDone lets an external tool executor terminate a delegated call.
func (s *Session) EmitToolDone(ctx context.Context, p *haip.ToolDonePayload) error {
	s.tools.Complete(p.CallID, p.Status, p.Result)
	return nil
}

func (s *Session) enqueue(ctx context.Context, item *outbound) error {
	if item.env != nil && !controlExempt(item.env.Type) {
		s.defMu.Lock()
		backlog := len(s.deferred[item.env.Channel])
		s.defMu.Unlock()
		if backlog >= s.engine.cfg.MaxDeferred {
			return haip.NewError(haip.ErrFlowControlViolation,
				"channel %s deferral queue full", item.env.Channel)
		}
	}
	select {
	case <-s.closed:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.out <- item:
		return nil
	}
}

// enqueueControl posts a SYSTEM envelope from inside the engine; it never
// blocks the reader for long since control envelopes bypass flow gating.
func (s *Session) enqueueControl(t haip.EventType, payload interface{}) {
	raw, err := haip.MarshalPayload(payload)
	if err != nil {
		s.log.Error().Err(err).Str("type", string(t)).Msg("failed to marshal control payload")
		return
	}
	env := &haip.Envelope{
		ID:      uuid.New().String(),
		Session: s.ID,
		Channel: haip.ChannelSystem,
		Type:    t,
		Payload: raw,
	}
	select {
	case <-s.closed:
	case s.out <- &outbound{env: env}:
	}
}

// enqueueError sends a peer-visible ERROR envelope and publishes the local
// error event.
func (s *Session) enqueueError(err *haip.Error) {
	s.engine.events.error(s, err)
	s.enqueueControl(haip.TypeError, err.Payload())
}

// controlExempt reports event types that bypass the credit gate so flow
// control and recovery can never starve themselves.
func controlExempt(t haip.EventType) bool {
	switch t {
	case haip.TypeHai, haip.TypePing, haip.TypePong, haip.TypeAck,
		haip.TypeFlowUpdate, haip.TypePauseChannel, haip.TypeResumeChannel,
		haip.TypeReplayRequest, haip.TypeError:
		return true
	}
	return false
}

// bind attaches a transport and returns the binding generation and its done
// channel. A session has at most one bound transport at any instant.
func (s *Session) bind(conn transport.Conn) (uint64, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		// late rebind while the previous transport is still attached;
		// the newcomer wins, the old binding is torn down
		old := s.conn
		close(s.connDone)
		go old.Close()
	}
	s.conn = conn
	s.state = SessionActive
	s.connDone = make(chan struct{})
	s.writerGen++
	s.lastInbound = time.Now()
	s.pingPending = false
	return s.writerGen, s.connDone
}

// detach unbinds the transport but keeps the session for resume.
func (s *Session) detach(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.conn == nil {
		return false
	}
	s.conn = nil
	s.state = SessionDetached
	s.detachedAt = time.Now()
	close(s.connDone)
	return true
}

// setPreamble stages items the next writer emits before queue traffic.
func (s *Session) setPreamble(items []*outbound) {
	s.preMu.Lock()
	s.preamble = items
	s.preMu.Unlock()
}

func (s *Session) takePreamble() []*outbound {
	s.preMu.Lock()
	items := s.preamble
	s.preamble = nil
	s.preMu.Unlock()
	return items
}

// hsDone resolves the pending handshake wait, once.
func (s *Session) hsDone(err *haip.Error) {
	select {
	case s.hsOnce <- err:
	default:
	}
}

// applyPeerHello records the peer's handshake announcement.
func (s *Session) applyPeerHello(env *haip.Envelope, hello *haip.HaiPayload) {
	s.mu.Lock()
	s.peerVersion = hello.HaipVersion
	if len(hello.AcceptEvents) > 0 {
		s.peerEvents = make(map[haip.EventType]bool, len(hello.AcceptEvents))
		for _, t := range hello.AcceptEvents {
			s.peerEvents[t] = true
		}
	} else {
		s.peerEvents = nil
	}
	s.peerCaps = hello.Capabilities
	s.mu.Unlock()
	s.flow.ApplyPeerCapabilities(hello.Capabilities)
}

// PeerVersion returns the protocol version the peer announced.
func (s *Session) PeerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerVersion
}

// PeerAccepts reports whether the peer accepts the event type. An empty
// announcement accepts everything.
func (s *Session) PeerAccepts(t haip.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerEvents == nil {
		return true
	}
	return s.peerEvents[t]
}

func (s *Session) boundConn() transport.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastInbound = time.Now()
	s.mu.Unlock()
}

// destroy tears the session down permanently.
func (s *Session) destroy() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		if s.state != SessionClosed {
			s.state = SessionClosed
		}
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		s.tools.CancelAll("session closed")
	})
}

// noteDelivered accumulates ack debt; past the configured limit a dedicated
// ACK envelope is scheduled instead of waiting for piggybacking traffic.
func (s *Session) noteDelivered() {
	s.ackMu.Lock()
	s.ackDebt++
	debt := s.ackDebt
	queued := s.ackQueued
	if debt >= s.engine.cfg.AckDebtLimit && !queued {
		s.ackQueued = true
	}
	shouldAck := s.ackDebt >= s.engine.cfg.AckDebtLimit && !queued
	s.ackMu.Unlock()
	if shouldAck {
		s.enqueueControl(haip.TypeAck, nil)
	}
}

func (s *Session) resetAckDebt() {
	s.ackMu.Lock()
	s.ackDebt = 0
	s.ackQueued = false
	s.ackMu.Unlock()
}

func (s *Session) pendingAckDebt() bool {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	return s.ackDebt > 0
}

// writeLoop is the session's single-writer task: it serialises outbound
// emission so ordering and the JSON+binary pairing are never interleaved.
func (s *Session) writeLoop(conn transport.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.engine.cfg.AckFlushInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for _, item := range s.takePreamble() {
		if err := s.transmit(ctx, conn, item); err != nil {
			s.engine.detachConn(s, conn, err)
			return
		}
	}
	for {
		if err := s.flushDeferred(ctx, conn); err != nil {
			s.engine.detachConn(s, conn, err)
			return
		}
		select {
		case <-s.closed:
			return
		case <-done:
			return
		case <-s.wake:
			// credit granted or channel resumed; retry deferred work
		case item := <-s.out:
			if err := s.transmit(ctx, conn, item); err != nil {
				s.engine.detachConn(s, conn, err)
				return
			}
		case <-ticker.C:
			if s.pendingAckDebt() {
				if err := s.emit(ctx, conn, &outbound{env: s.ackEnvelope()}); err != nil {
					s.engine.detachConn(s, conn, err)
					return
				}
			}
		}
	}
}

func (s *Session) ackEnvelope() *haip.Envelope {
	return &haip.Envelope{
		ID:      uuid.New().String(),
		Session: s.ID,
		Channel: haip.ChannelSystem,
		Type:    haip.TypeAck,
		Payload: json.RawMessage(`{}`),
	}
}

// signalWake nudges the writer to retry deferred channels.
func (s *Session) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// flushDeferred re-attempts channels that were paused or out of credit, in
// arrival order per channel.
func (s *Session) flushDeferred(ctx context.Context, conn transport.Conn) error {
	for _, ch := range haip.Channels {
		for {
			s.defMu.Lock()
			queue := s.deferred[ch]
			if len(queue) == 0 {
				s.defMu.Unlock()
				break
			}
			head := queue[0]
			s.defMu.Unlock()

			ok, wantRefill := s.flow.Admit(ch, estimateSize(head))
			if wantRefill {
				s.enqueueControl(haip.TypeFlowUpdate, &haip.FlowUpdatePayload{Channel: ch})
			}
			if !ok {
				break
			}
			s.defMu.Lock()
			s.deferred[ch] = s.deferred[ch][1:]
			s.defMu.Unlock()
			if err := s.emit(ctx, conn, head); err != nil {
				return err
			}
		}
	}
	return nil
}

// transmit applies the sender rule: control types bypass the gate; a paused
// or credit-starved channel defers the envelope behind its earlier traffic.
func (s *Session) transmit(ctx context.Context, conn transport.Conn, item *outbound) error {
	if item.raw != nil {
		return s.emitRaw(ctx, conn, item)
	}
	ch := item.env.Channel
	if controlExempt(item.env.Type) {
		return s.emit(ctx, conn, item)
	}

	s.defMu.Lock()
	backlog := len(s.deferred[ch])
	s.defMu.Unlock()
	if backlog == 0 {
		ok, wantRefill := s.flow.Admit(ch, estimateSize(item))
		if wantRefill {
			s.enqueueControl(haip.TypeFlowUpdate, &haip.FlowUpdatePayload{Channel: ch})
		}
		if ok {
			return s.emit(ctx, conn, item)
		}
	}

	s.defMu.Lock()
	if len(s.deferred[ch]) >= s.engine.cfg.MaxDeferred {
		s.defMu.Unlock()
		s.enqueueError(haip.NewError(haip.ErrFlowControlViolation,
			"channel %s deferral queue overflow", ch))
		return nil
	}
	s.deferred[ch] = append(s.deferred[ch], item)
	s.defMu.Unlock()
	return nil
}

// emit stamps seq, ack and timestamp, records the frame for replay and
// writes it (plus its binary frame) to the transport.
func (s *Session) emit(ctx context.Context, conn transport.Conn, item *outbound) error {
	env := item.env
	bin := item.bin

	// transports without an outbound binary direction get a retrieval
	// reference in the payload instead of bin_len
	if bin != nil && env.BinLen != nil {
		if offerer, ok := conn.(transport.BinaryOfferer); ok {
			ref, err := offerer.OfferBinary(env.ID, env.BinMime, bin)
			if err != nil {
				return err
			}
			env.Payload = injectBinRef(env.Payload, ref)
			env.BinLen = nil
			env.BinMime = ""
			bin = nil
		}
	}

	seq := s.seq.Next()
	env.Seq = haip.FormatSeq(seq)
	if delivered := s.tracker.Delivered(); delivered > 0 {
		env.Ack = haip.FormatSeq(delivered)
	}
	env.TS = time.Now().UnixMilli()
	s.resetAckDebt()

	data, err := env.Encode()
	if err != nil {
		return err
	}
	// a HAI is a per-connection sync point, not session history; replaying
	// one into an established session would read as a second handshake
	if env.Type == haip.TypeHai {
		s.replay.RecordSync(seq)
	} else {
		s.replay.Record(seq, data, bin)
	}
	if err := conn.Send(ctx, transport.Text(data)); err != nil {
		return err
	}
	if bin != nil {
		if err := conn.Send(ctx, transport.Binary(bin)); err != nil {
			return err
		}
	}
	s.engine.metrics.EnvelopeSent(conn.Kind(), len(data)+len(bin))
	return nil
}

// emitRaw re-transmits recorded frames byte-for-byte for replay.
func (s *Session) emitRaw(ctx context.Context, conn transport.Conn, item *outbound) error {
	if err := conn.Send(ctx, transport.Text(item.raw)); err != nil {
		return err
	}
	if item.rawBin != nil {
		if err := conn.Send(ctx, transport.Binary(item.rawBin)); err != nil {
			return err
		}
	}
	s.engine.metrics.ReplaySent(conn.Kind())
	return nil
}

// estimateSize approximates the wire cost of an envelope for credit
// accounting before seq stamping fixes the final encoding.
func estimateSize(item *outbound) int64 {
	const envelopeOverhead = 192
	size := int64(len(item.env.Payload)) + envelopeOverhead
	if item.bin != nil {
		size += int64(len(item.bin))
	}
	return size
}

func injectBinRef(payload json.RawMessage, ref string) json.RawMessage {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil || m == nil {
		m = map[string]interface{}{}
	}
	m["bin_ref"] = ref
	data, err := json.Marshal(m)
	if err != nil {
		return payload
	}
	return data
}

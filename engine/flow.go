package engine

import (
	"sync"
	"time"

	"github.com/haipio/haip"
)

// creditPool tracks message and byte credit for one (channel, direction).
type creditPool struct {
	messages int64
	bytes    int64

	initMessages int64
	initBytes    int64
	maxMessages  int64
	maxBytes     int64
	lowMessages  int64
	lowBytes     int64

	paused bool
	// refillRequested dedupes outbound replenishment requests until the next
	// grant arrives.
	refillRequested bool
}

func (p *creditPool) low() bool {
	return p.messages < p.lowMessages || p.bytes < p.lowBytes
}

// flowController owns the per-channel credit accounting of one session, for
// both directions: the outbound pools are this endpoint's permission to
// transmit, replenished by peer FLOW_UPDATE grants; the inbound pools model
// the credit granted to the peer, decremented as envelopes arrive and topped
// up by grants this endpoint issues.
type flowController struct {
	mu       sync.Mutex
	enabled  bool
	adaptive bool
	out      map[haip.Channel]*creditPool
	in       map[haip.Channel]*creditPool
	// capsApplied marks that the peer already seeded the outbound balances
	// once; later announcements (resume) must not refund spent credit.
	capsApplied bool

	// adaptive grant state: exponentially-weighted moving average of inbound
	// throughput, and a backlog probe supplied by the engine.
	ewmaBytesPerSec float64
	lastConsume     time.Time
	backlog         func() int
}

func newFlowController(cfg FlowConfig, backlog func() int) *flowController {
	f := &flowController{
		enabled:  cfg.Enabled,
		adaptive: cfg.Adaptive,
		out:      map[haip.Channel]*creditPool{},
		in:       map[haip.Channel]*creditPool{},
		backlog:  backlog,
	}
	defaults := DefaultChannelCredits()
	for _, ch := range haip.Channels {
		credit, ok := cfg.Initial[ch]
		if !ok {
			credit = defaults[ch]
		}
		f.out[ch] = newCreditPool(credit, cfg)
		f.in[ch] = newCreditPool(credit, cfg)
	}
	return f
}

func newCreditPool(credit ChannelCredit, cfg FlowConfig) *creditPool {
	maxMessages := credit.Messages * 4
	if maxMessages > cfg.MaxCreditMessages {
		maxMessages = cfg.MaxCreditMessages
	}
	if maxMessages < credit.Messages {
		maxMessages = credit.Messages
	}
	maxBytes := credit.Bytes * 4
	if maxBytes > cfg.MaxCreditBytes {
		maxBytes = cfg.MaxCreditBytes
	}
	if maxBytes < credit.Bytes {
		maxBytes = credit.Bytes
	}
	return &creditPool{
		messages:     credit.Messages,
		bytes:        credit.Bytes,
		initMessages: credit.Messages,
		initBytes:    credit.Bytes,
		maxMessages:  maxMessages,
		maxBytes:     maxBytes,
		lowMessages:  int64(float64(credit.Messages) * cfg.LowWater),
		lowBytes:     int64(float64(credit.Bytes) * cfg.LowWater),
	}
}

// pool returns the outbound pool, creating one lazily for non-standard
// channel names negotiated by the peer.
func (f *flowController) pool(m map[haip.Channel]*creditPool, ch haip.Channel) *creditPool {
	p, ok := m[ch]
	if !ok {
		p = newCreditPool(ChannelCredit{Messages: 32, Bytes: 262144}, FlowConfig{
			MaxCreditMessages: 4000, MaxCreditBytes: 64 * 1024 * 1024, LowWater: 0.25,
		})
		m[ch] = p
	}
	return p
}

// Admit decides whether an envelope of the given total size may be
// transmitted on the channel now, deducting credit when it may. The second
// result reports that the sender should request replenishment from the peer.
func (f *flowController) Admit(ch haip.Channel, size int64) (ok, wantRefill bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return true, false
	}
	p := f.pool(f.out, ch)
	if p.paused {
		return false, false
	}
	if p.messages < 1 || p.bytes < size {
		if !p.refillRequested {
			p.refillRequested = true
			return false, true
		}
		return false, false
	}
	p.messages--
	p.bytes -= size
	if p.low() && !p.refillRequested {
		p.refillRequested = true
		return true, true
	}
	return true, false
}

// Grant adds peer-granted credit to the outbound pool, capped at the
// channel's configured maximum.
func (f *flowController) Grant(ch haip.Channel, messages, bytes int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pool(f.out, ch)
	p.messages += messages
	if p.messages > p.maxMessages {
		p.messages = p.maxMessages
	}
	p.bytes += bytes
	if p.bytes > p.maxBytes {
		p.bytes = p.maxBytes
	}
	p.refillRequested = false
}

// SetPaused toggles the outbound pause flag for a channel.
func (f *flowController) SetPaused(ch haip.Channel, paused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pool(f.out, ch).paused = paused
}

// Paused reports the outbound pause flag.
func (f *flowController) Paused(ch haip.Channel) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pool(f.out, ch).paused
}

// Consume accounts one received envelope against the credit granted to the
// peer and returns the grant to emit when the peer's remaining credit fell
// below the low-water threshold.
func (f *flowController) Consume(ch haip.Channel, size int64) *haip.FlowUpdatePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	f.observeThroughput(size)
	p := f.pool(f.in, ch)
	p.messages -= 1
	p.bytes -= size
	if p.messages < 0 {
		p.messages = 0
	}
	if p.bytes < 0 {
		p.bytes = 0
	}
	if !p.low() {
		return nil
	}
	return f.grantLocked(ch, p)
}

// RequestGrant serves an explicit peer replenishment request (a FLOW_UPDATE
// with no added credit).
func (f *flowController) RequestGrant(ch haip.Channel) *haip.FlowUpdatePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	return f.grantLocked(ch, f.pool(f.in, ch))
}

// grantLocked tops the peer's pool back up to its initial level, scaled by
// the adaptive factor, and returns the corresponding FLOW_UPDATE payload.
func (f *flowController) grantLocked(ch haip.Channel, p *creditPool) *haip.FlowUpdatePayload {
	addMessages := p.initMessages - p.messages
	addBytes := p.initBytes - p.bytes
	if f.adaptive {
		factor := f.adaptiveFactorLocked()
		addMessages = int64(float64(addMessages) * factor)
		addBytes = int64(float64(addBytes) * factor)
	}
	if addMessages <= 0 && addBytes <= 0 {
		return nil
	}
	if addMessages < 0 {
		addMessages = 0
	}
	if addBytes < 0 {
		addBytes = 0
	}
	p.messages += addMessages
	if p.messages > p.maxMessages {
		p.messages = p.maxMessages
	}
	p.bytes += addBytes
	if p.bytes > p.maxBytes {
		p.bytes = p.maxBytes
	}
	return &haip.FlowUpdatePayload{Channel: ch, AddMessages: addMessages, AddBytes: addBytes}
}

// observeThroughput maintains the inbound throughput EWMA used by adaptive
// grant sizing.
func (f *flowController) observeThroughput(size int64) {
	now := time.Now()
	if f.lastConsume.IsZero() {
		f.lastConsume = now
		f.ewmaBytesPerSec = float64(size)
		return
	}
	elapsed := now.Sub(f.lastConsume).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	instant := float64(size) / elapsed
	const alpha = 0.2
	f.ewmaBytesPerSec = alpha*instant + (1-alpha)*f.ewmaBytesPerSec
	f.lastConsume = now
}

// adaptiveFactorLocked shrinks grants while the processing backlog grows and
// expands them when it drains.
func (f *flowController) adaptiveFactorLocked() float64 {
	factor := 1.0
	if f.backlog != nil {
		depth := f.backlog()
		switch {
		case depth > 64:
			factor = 0.5
		case depth > 16:
			factor = 0.75
		case depth == 0:
			factor = 1.5
		}
	}
	if factor > 2 {
		factor = 2
	}
	return factor
}

// ApplyPeerCapabilities resizes the outbound pools from the peer's handshake
// capabilities. The peer's first announcement seeds the balances; a repeat
// announcement on resume adjusts limits only, so credit consumed before the
// reconnect is not refunded.
func (f *flowController) ApplyPeerCapabilities(caps *haip.Capabilities) {
	if caps == nil || caps.FlowControl == nil {
		return
	}
	fc := caps.FlowControl
	f.mu.Lock()
	defer f.mu.Unlock()
	seed := !f.capsApplied
	f.capsApplied = true
	for _, p := range f.out {
		if fc.InitialCreditMessages > 0 {
			if seed {
				p.messages = fc.InitialCreditMessages
			}
			p.initMessages = fc.InitialCreditMessages
		}
		if fc.InitialCreditBytes > 0 {
			if seed {
				p.bytes = fc.InitialCreditBytes
			}
			p.initBytes = fc.InitialCreditBytes
		}
		if fc.MaxCreditMessages > 0 {
			p.maxMessages = fc.MaxCreditMessages
		}
		if fc.MaxCreditBytes > 0 {
			p.maxBytes = fc.MaxCreditBytes
		}
	}
}

// CreditSnapshot reports the current outbound credit for stats.
type CreditSnapshot struct {
	Channel  haip.Channel `json:"channel"`
	Messages int64        `json:"messages"`
	Bytes    int64        `json:"bytes"`
	Paused   bool         `json:"paused"`
}

// Snapshot returns the outbound pools for observability endpoints.
func (f *flowController) Snapshot() []CreditSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]CreditSnapshot, 0, len(f.out))
	for _, ch := range haip.Channels {
		if p, ok := f.out[ch]; ok {
			out = append(out, CreditSnapshot{Channel: ch, Messages: p.messages, Bytes: p.bytes, Paused: p.paused})
		}
	}
	return out
}

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/haipio/haip"
)

// sequencer generates the outbound sequence for one session direction.
// Sequences start at 1 and increment by 1 per emitted envelope.
type sequencer struct {
	last uint64
}

func (s *sequencer) Next() uint64 {
	return atomic.AddUint64(&s.last, 1)
}

func (s *sequencer) Last() uint64 {
	return atomic.LoadUint64(&s.last)
}

// restore seeds the sequencer after a session resume.
func (s *sequencer) restore(last uint64) {
	atomic.StoreUint64(&s.last, last)
}

// inboundFrame pairs a decoded envelope with its binary payload, if any.
type inboundFrame struct {
	env *haip.Envelope
	bin []byte
}

// replayRange is the gap a REPLAY_REQUEST should cover.
type replayRange struct {
	from uint64
	to   uint64
}

// inboundTracker orders the inbound direction of a session: contiguous
// delivery, duplicate suppression and gap detection. Only the session's
// reader task touches it.
type inboundTracker struct {
	mu           sync.Mutex
	delivered    uint64
	pending      map[uint64]*inboundFrame
	maxPending   int
	gapSignalled bool
}

func newInboundTracker(maxPending int) *inboundTracker {
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &inboundTracker{
		pending:    map[uint64]*inboundFrame{},
		maxPending: maxPending,
	}
}

// Observe folds one received frame into the tracker. It returns the frames
// that became deliverable in order, the replay range to request when a gap
// was first detected, and whether the frame was dropped as a duplicate.
func (t *inboundTracker) Observe(item *inboundFrame) (deliver []*inboundFrame, replay *replayRange, dup bool) {
	seq := item.env.SeqValue()
	t.mu.Lock()
	defer t.mu.Unlock()

	if seq <= t.delivered {
		return nil, nil, true
	}
	if seq == t.delivered+1 {
		deliver = append(deliver, item)
		t.delivered = seq
		return t.drainLocked(deliver), nil, false
	}

	// out of order: buffer and request the missing range exactly once per gap
	if _, ok := t.pending[seq]; ok {
		return nil, nil, true
	}
	if len(t.pending) >= t.maxPending {
		// keep the buffer bounded; the dropped frame will be replayed
		return nil, nil, true
	}
	t.pending[seq] = item
	if !t.gapSignalled {
		t.gapSignalled = true
		replay = &replayRange{from: t.delivered + 1, to: seq - 1}
	}
	return nil, replay, false
}

// drainLocked releases the pending run behind the delivery point. Entries
// marked consumed out of band hold a nil frame and advance the point without
// being delivered again.
func (t *inboundTracker) drainLocked(deliver []*inboundFrame) []*inboundFrame {
	for {
		next, ok := t.pending[t.delivered+1]
		if !ok {
			break
		}
		delete(t.pending, t.delivered+1)
		t.delivered++
		if next != nil {
			deliver = append(deliver, next)
		}
	}
	if len(t.pending) == 0 {
		t.gapSignalled = false
	}
	return deliver
}

// markConsumed folds an out-of-band sync point (a HAI) into the tracker. A
// contiguous seq advances delivery and releases anything buffered behind it;
// a seq further ahead is remembered as consumed so the gap before it can
// still be filled by replays, without the cumulative ack moving past
// envelopes this endpoint never processed. The second result is false when
// the seq was already covered.
func (t *inboundTracker) markConsumed(seq uint64) ([]*inboundFrame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq <= t.delivered {
		return nil, false
	}
	if seq == t.delivered+1 {
		t.delivered = seq
		return t.drainLocked(nil), true
	}
	if _, ok := t.pending[seq]; ok {
		return nil, false
	}
	if len(t.pending) >= t.maxPending {
		return nil, false
	}
	t.pending[seq] = nil
	// the peer learns our delivery point from the handshake reply and replays
	// the gap on its own; no replay request is issued for it
	t.gapSignalled = true
	return nil, true
}

// Delivered returns the highest contiguously delivered inbound seq; it is
// the value carried as the cumulative ack on outbound envelopes.
func (t *inboundTracker) Delivered() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered
}

// restore seeds the tracker after a session resume.
func (t *inboundTracker) restore(delivered uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = delivered
	t.pending = map[uint64]*inboundFrame{}
	t.gapSignalled = false
}

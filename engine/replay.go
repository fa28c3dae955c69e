package engine

import (
	"sync"
	"time"

	"github.com/haipio/haip"
)

// replayEntry retains the exact bytes of one outbound emission so a replay
// re-transmits byte-for-byte identical frames.
type replayEntry struct {
	seq     uint64
	data    []byte
	bin     []byte
	sync    bool
	addedAt time.Time
}

// replayWindow is the bounded time+size buffer of outbound envelopes keyed by
// sequence, serving REPLAY_REQUEST and session resume. Entries are appended
// in seq order by the writer task.
type replayWindow struct {
	mu       sync.Mutex
	entries  []replayEntry
	maxCount int
	maxAge   time.Duration
	peerAck  uint64
	lastSeq  uint64
}

func newReplayWindow(maxCount int, maxAge time.Duration) *replayWindow {
	return &replayWindow{maxCount: maxCount, maxAge: maxAge}
}

// Record stores the emitted frame bytes under seq.
func (w *replayWindow) Record(seq uint64, data, bin []byte) {
	w.record(replayEntry{seq: seq, data: data, bin: bin})
}

// RecordSync reserves seq for a connection sync point (a HAI): the seq keeps
// the window contiguous but is never re-transmitted.
func (w *replayWindow) RecordSync(seq uint64) {
	w.record(replayEntry{seq: seq, sync: true})
}

func (w *replayWindow) record(entry replayEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry.addedAt = time.Now()
	w.lastSeq = entry.seq
	w.entries = append(w.entries, entry)
	w.evictLocked(time.Now())
}

// Ack records the peer's cumulative ack and evicts what became evictable.
func (w *replayWindow) Ack(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if seq > w.peerAck {
		w.peerAck = seq
	}
	w.evictLocked(time.Now())
}

// evictLocked removes the oldest entries that are both acknowledged and
// either older than the window time or beyond the window size.
func (w *replayWindow) evictLocked(now time.Time) {
	for len(w.entries) > 0 {
		head := w.entries[0]
		if head.seq > w.peerAck {
			break
		}
		aged := now.Sub(head.addedAt) >= w.maxAge
		oversize := len(w.entries) > w.maxCount
		if !aged && !oversize {
			break
		}
		w.entries = w.entries[1:]
	}
}

// Floor returns the lowest seq still present, or lastSeq+1 when empty.
func (w *replayWindow) Floor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.floorLocked()
}

func (w *replayWindow) floorLocked() uint64 {
	if len(w.entries) == 0 {
		return w.lastSeq + 1
	}
	return w.entries[0].seq
}

// LastSeq returns the highest recorded outbound seq.
func (w *replayWindow) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeq
}

// Range returns stored entries with from <= seq <= to. A from below the
// window floor fails with REPLAY_TOO_OLD; the peer's recovery is a session
// reset.
func (w *replayWindow) Range(from, to uint64) ([]replayEntry, *haip.Error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if from < w.floorLocked() {
		return nil, haip.NewError(haip.ErrReplayTooOld, "replay floor advanced past %d", from).
			WithDetail("floor", w.floorLocked())
	}
	if to == 0 || to > w.lastSeq {
		to = w.lastSeq
	}
	var out []replayEntry
	for _, e := range w.entries {
		if e.seq < from || e.sync {
			continue
		}
		if e.seq > to {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// Since returns all entries with seq > last, used on resume. It fails with
// RESUME_FAILED when the replay floor advanced past last+1.
func (w *replayWindow) Since(last uint64) ([]replayEntry, *haip.Error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if last >= w.lastSeq {
		return nil, nil
	}
	if last+1 < w.floorLocked() {
		return nil, haip.NewError(haip.ErrResumeFailed, "replay floor advanced past %d", last+1).
			WithDetail("floor", w.floorLocked())
	}
	var out []replayEntry
	for _, e := range w.entries {
		if e.seq > last && !e.sync {
			out = append(out, e)
		}
	}
	return out, nil
}

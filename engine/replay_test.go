package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/haipio/haip"
	"github.com/stretchr/testify/assert"
)

func recordN(w *replayWindow, n int) {
	for i := 1; i <= n; i++ {
		w.Record(uint64(i), []byte(fmt.Sprintf("frame-%d", i)), nil)
	}
}

func TestReplayWindowRange(t *testing.T) {
	w := newReplayWindow(100, time.Minute)
	recordN(w, 5)

	entries, err := w.Range(2, 4)
	assert.Nil(t, err)
	if assert.Len(t, entries, 3) {
		assert.EqualValues(t, 2, entries[0].seq)
		assert.Equal(t, []byte("frame-2"), entries[0].data)
		assert.EqualValues(t, 4, entries[2].seq)
	}

	// absent to_seq means through the last recorded frame
	entries, err = w.Range(4, 0)
	assert.Nil(t, err)
	assert.Len(t, entries, 2)
}

func TestReplayWindowTooOld(t *testing.T) {
	w := newReplayWindow(3, time.Nanosecond)
	recordN(w, 6)
	w.Ack(4)

	assert.Less(t, uint64(1), w.Floor())
	_, err := w.Range(1, 2)
	if assert.NotNil(t, err) {
		assert.Equal(t, haip.ErrReplayTooOld, err.Code)
	}
}

func TestReplayWindowAckEviction(t *testing.T) {
	w := newReplayWindow(2, time.Nanosecond)
	recordN(w, 5)

	// nothing evicts before the peer acks, regardless of age or size
	assert.EqualValues(t, 1, w.Floor())

	w.Ack(3)
	assert.EqualValues(t, 4, w.Floor())

	// acked entries past the window size go, unacked stay
	entries, err := w.Range(4, 5)
	assert.Nil(t, err)
	assert.Len(t, entries, 2)
}

func TestReplayWindowSince(t *testing.T) {
	w := newReplayWindow(100, time.Minute)
	recordN(w, 4)

	entries, err := w.Since(2)
	assert.Nil(t, err)
	if assert.Len(t, entries, 2) {
		assert.EqualValues(t, 3, entries[0].seq)
		assert.EqualValues(t, 4, entries[1].seq)
	}

	// fully caught up
	entries, err = w.Since(4)
	assert.Nil(t, err)
	assert.Empty(t, entries)
}

func TestReplayWindowSyncSeqNotReplayed(t *testing.T) {
	w := newReplayWindow(100, time.Minute)
	w.RecordSync(1)
	w.Record(2, []byte("frame-2"), nil)
	w.Record(3, []byte("frame-3"), nil)

	// the sync seq keeps the window contiguous but is never re-emitted
	entries, err := w.Since(0)
	assert.Nil(t, err)
	if assert.Len(t, entries, 2) {
		assert.EqualValues(t, 2, entries[0].seq)
		assert.EqualValues(t, 3, entries[1].seq)
	}

	entries, err = w.Range(1, 3)
	assert.Nil(t, err)
	assert.Len(t, entries, 2)
}

func TestReplayWindowSinceFailed(t *testing.T) {
	w := newReplayWindow(2, time.Nanosecond)
	recordN(w, 6)
	w.Ack(5)

	_, err := w.Since(1)
	if assert.NotNil(t, err) {
		assert.Equal(t, haip.ErrResumeFailed, err.Code)
	}
}

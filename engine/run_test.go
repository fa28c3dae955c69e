package engine

import (
	"testing"

	"github.com/haipio/haip"
	"github.com/stretchr/testify/assert"
)

func TestRunManagerStart(t *testing.T) {
	m := newRunManager(2)

	run, err := m.Start(&haip.RunStartedPayload{ThreadID: "t1"}, true)
	assert.Nil(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, haip.RunActive, run.Status)
	assert.Equal(t, 1, m.Active())

	// client role cannot start a run without an id
	_, err = m.Start(&haip.RunStartedPayload{}, false)
	if assert.NotNil(t, err) {
		assert.Equal(t, haip.ErrProtocolViolation, err.Code)
	}
}

func TestRunManagerIdempotentStart(t *testing.T) {
	m := newRunManager(2)
	first, err := m.Start(&haip.RunStartedPayload{RunID: "r1"}, false)
	assert.Nil(t, err)
	again, err := m.Start(&haip.RunStartedPayload{RunID: "r1"}, false)
	assert.Nil(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, m.Active())
}

func TestRunManagerLimit(t *testing.T) {
	m := newRunManager(1)
	_, err := m.Start(&haip.RunStartedPayload{RunID: "r1"}, false)
	assert.Nil(t, err)

	_, err = m.Start(&haip.RunStartedPayload{RunID: "r2"}, false)
	if assert.NotNil(t, err) {
		assert.Equal(t, haip.ErrRunLimitExceeded, err.Code)
	}

	// finishing frees a slot
	_, err = m.Finish("r1", haip.RunFinished, "done")
	assert.Nil(t, err)
	_, err = m.Start(&haip.RunStartedPayload{RunID: "r2"}, false)
	assert.Nil(t, err)
}

func TestRunManagerTerminate(t *testing.T) {
	m := newRunManager(4)
	m.Start(&haip.RunStartedPayload{RunID: "r1"}, false)

	run, err := m.Cancel("r1")
	assert.Nil(t, err)
	assert.Equal(t, haip.RunCancelled, run.Status)
	assert.False(t, run.EndedAt.IsZero())
	assert.Equal(t, 0, m.Active())

	// the record survives termination
	kept, ok := m.Get("r1")
	assert.True(t, ok)
	assert.Same(t, run, kept)

	_, err = m.Finish("missing", haip.RunFinished, "")
	if assert.NotNil(t, err) {
		assert.Equal(t, haip.ErrRunNotFound, err.Code)
	}
}

func TestRunManagerFail(t *testing.T) {
	m := newRunManager(4)
	m.Start(&haip.RunStartedPayload{RunID: "r1"}, false)

	cause := &haip.ErrorPayload{Code: haip.ErrToolExecutionError, Message: "boom"}
	run, err := m.Fail("r1", cause)
	assert.Nil(t, err)
	assert.Equal(t, haip.RunFailed, run.Status)
	assert.Equal(t, cause, run.Err)
}

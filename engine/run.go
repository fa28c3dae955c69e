package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip"
)

// Run is a bounded conversation unit within a session; it groups messages
// and tool calls.
type Run struct {
	ID       string
	ThreadID string
	Metadata map[string]interface{}
	Status   haip.RunStatus

	StartedAt time.Time
	EndedAt   time.Time
	Summary   string
	Err       *haip.ErrorPayload
}

// runManager owns the run records of one session and enforces the
// per-session concurrency cap.
type runManager struct {
	mu     sync.Mutex
	runs   map[string]*Run
	active int
	max    int
}

func newRunManager(maxConcurrent int) *runManager {
	return &runManager{runs: map[string]*Run{}, max: maxConcurrent}
}

// Start registers a run. When assignID is set (server role) an absent run_id
// is generated. Exceeding the concurrency cap fails with RUN_LIMIT_EXCEEDED.
func (m *runManager) Start(p *haip.RunStartedPayload, assignID bool) (*Run, *haip.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active >= m.max {
		return nil, haip.NewError(haip.ErrRunLimitExceeded, "active run limit %d reached", m.max).
			WithDetail("max_concurrent_runs", m.max)
	}
	id := p.RunID
	if id == "" {
		if !assignID {
			return nil, haip.NewProtocolViolation("run_id", "run_id required")
		}
		id = uuid.New().String()
	}
	if existing, ok := m.runs[id]; ok && existing.Status == haip.RunActive {
		return existing, nil
	}
	run := &Run{
		ID:        id,
		ThreadID:  p.ThreadID,
		Metadata:  p.Metadata,
		Status:    haip.RunActive,
		StartedAt: time.Now(),
	}
	m.runs[id] = run
	m.active++
	return run, nil
}

// Finish terminates a run with the given status; the record is kept for the
// session lifetime but dropped from the active set.
func (m *runManager) Finish(runID string, status haip.RunStatus, summary string) (*Run, *haip.Error) {
	return m.terminate(runID, status, summary, nil)
}

// Cancel terminates a run as cancelled.
func (m *runManager) Cancel(runID string) (*Run, *haip.Error) {
	return m.terminate(runID, haip.RunCancelled, "", nil)
}

// Fail terminates a run with an error descriptor.
func (m *runManager) Fail(runID string, cause *haip.ErrorPayload) (*Run, *haip.Error) {
	return m.terminate(runID, haip.RunFailed, "", cause)
}

func (m *runManager) terminate(runID string, status haip.RunStatus, summary string, cause *haip.ErrorPayload) (*Run, *haip.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, haip.NewError(haip.ErrRunNotFound, "run %s not found", runID)
	}
	if run.Status == haip.RunActive {
		m.active--
	}
	if status == "" {
		status = haip.RunFinished
	}
	run.Status = status
	run.EndedAt = time.Now()
	if summary != "" {
		run.Summary = summary
	}
	run.Err = cause
	return run, nil
}

// Get returns a run record.
func (m *runManager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok
}

// Active returns the count of active runs.
func (m *runManager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/haipio/haip"
)

// RoundTrip represents one outstanding request waiting for its terminal
// envelope: a tool call for TOOL_DONE, a run start for the server echo, a
// discovery request for its reply.
type RoundTrip struct {
	payload json.RawMessage
	err     error
	done    chan struct{}
	once    sync.Once
}

func newRoundTrip() *RoundTrip {
	return &RoundTrip{done: make(chan struct{})}
}

// Wait blocks for completion, the context, or the timeout.
func (t *RoundTrip) Wait(ctx context.Context, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("timeout")
	case <-t.done:
		return t.payload, t.err
	}
}

// SetPayload completes the trip with the terminal payload.
func (t *RoundTrip) SetPayload(payload json.RawMessage) {
	t.once.Do(func() {
		t.payload = payload
		close(t.done)
	})
}

// SetError completes the trip with a wire error.
func (t *RoundTrip) SetError(herr *haip.Error) {
	t.once.Do(func() {
		t.err = herr
		close(t.done)
	})
}

// RoundTrips is the table of outstanding requests. Tool calls are keyed by
// call id; run starts and discovery requests carry no correlation id on the
// wire and are matched in request order.
type RoundTrips struct {
	mu        sync.Mutex
	calls     map[string]*RoundTrip
	runStarts []*RoundTrip
	toolLists []*RoundTrip
	schemas   map[string][]*RoundTrip
	err       error
}

// NewRoundTrips creates an empty table.
func NewRoundTrips() *RoundTrips {
	return &RoundTrips{
		calls:   map[string]*RoundTrip{},
		schemas: map[string][]*RoundTrip{},
	}
}

// CloseWithError fails every outstanding trip and all future adds.
func (r *RoundTrips) CloseWithError(herr *haip.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = herr
	for _, trip := range r.calls {
		trip.SetError(herr)
	}
	for _, trip := range r.runStarts {
		trip.SetError(herr)
	}
	for _, trip := range r.toolLists {
		trip.SetError(herr)
	}
	for _, trips := range r.schemas {
		for _, trip := range trips {
			trip.SetError(herr)
		}
	}
	r.calls = map[string]*RoundTrip{}
	r.runStarts = nil
	r.toolLists = nil
	r.schemas = map[string][]*RoundTrip{}
}

// AddCall registers a tool call awaiting TOOL_DONE.
func (r *RoundTrips) AddCall(callID string) (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	trip := newRoundTrip()
	r.calls[callID] = trip
	return trip, nil
}

// MatchCall resolves a tool call by id; ok is false for calls this client
// never issued (server-initiated traffic).
func (r *RoundTrips) MatchCall(callID string) (*RoundTrip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trip, ok := r.calls[callID]
	if ok {
		delete(r.calls, callID)
	}
	return trip, ok
}

// AddRunStart registers a run start awaiting the server echo.
func (r *RoundTrips) AddRunStart() (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	trip := newRoundTrip()
	r.runStarts = append(r.runStarts, trip)
	return trip, nil
}

// MatchRunStart resolves the oldest outstanding run start.
func (r *RoundTrips) MatchRunStart() (*RoundTrip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.runStarts) == 0 {
		return nil, false
	}
	trip := r.runStarts[0]
	r.runStarts = r.runStarts[1:]
	return trip, true
}

// AddToolList registers a discovery request awaiting the TOOL_LIST reply.
func (r *RoundTrips) AddToolList() (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	trip := newRoundTrip()
	r.toolLists = append(r.toolLists, trip)
	return trip, nil
}

// MatchToolList resolves the oldest outstanding discovery request.
func (r *RoundTrips) MatchToolList() (*RoundTrip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.toolLists) == 0 {
		return nil, false
	}
	trip := r.toolLists[0]
	r.toolLists = r.toolLists[1:]
	return trip, true
}

// AddSchema registers a schema request for one tool.
func (r *RoundTrips) AddSchema(tool string) (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	trip := newRoundTrip()
	r.schemas[tool] = append(r.schemas[tool], trip)
	return trip, nil
}

// MatchSchema resolves the oldest schema request for the tool.
func (r *RoundTrips) MatchSchema(tool string) (*RoundTrip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trips := r.schemas[tool]
	if len(trips) == 0 {
		return nil, false
	}
	trip := trips[0]
	if len(trips) == 1 {
		delete(r.schemas, tool)
	} else {
		r.schemas[tool] = trips[1:]
	}
	return trip, true
}

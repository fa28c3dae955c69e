package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/haipio/haip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	eventType haip.EventType
	payload   interface{}
}

type emitRecorder struct {
	mu     sync.Mutex
	events []emitted
}

func (r *emitRecorder) emit(t haip.EventType, payload interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, emitted{eventType: t, payload: payload})
}

func (r *emitRecorder) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func (r *emitRecorder) lastDone() *haip.ToolDonePayload {
	for _, event := range r.snapshot() {
		if event.eventType == haip.TypeToolDone {
			return event.payload.(*haip.ToolDonePayload)
		}
	}
	return nil
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	err := registry.Register(&Tool{
		Name:        "echo",
		Description: "returns its params",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		Handler: ToolHandlerFunc(func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
			return params, nil
		}),
	})
	require.NoError(t, err)
	return registry
}

func TestRegistryValidate(t *testing.T) {
	registry := echoRegistry(t)

	assert.NoError(t, registry.Validate("echo", json.RawMessage(`{"text":"hi"}`)))
	assert.Error(t, registry.Validate("echo", json.RawMessage(`{"text":42}`)))
	assert.Error(t, registry.Validate("echo", json.RawMessage(`{}`)))
	assert.Error(t, registry.Validate("missing", nil))
}

func TestRegistrySchemas(t *testing.T) {
	registry := echoRegistry(t)

	schema, ok := registry.Schemas("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", schema.Tool)
	assert.NotEmpty(t, schema.InputSchema)

	_, ok = registry.Schemas("missing")
	assert.False(t, ok)

	list := registry.List()
	require.Len(t, list, 1)
	assert.Equal(t, "echo", list[0].Name)
}

func TestToolManagerLocalCall(t *testing.T) {
	recorder := &emitRecorder{}
	m := newToolManager(echoRegistry(t), time.Second, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{
		CallID: "c1",
		Tool:   "echo",
		Params: json.RawMessage(`{"text":"hello"}`),
	})

	require.Eventually(t, func() bool { return recorder.lastDone() != nil }, time.Second, 10*time.Millisecond)
	done := recorder.lastDone()
	assert.Equal(t, "c1", done.CallID)
	assert.Equal(t, haip.ToolOK, done.Status)
	assert.JSONEq(t, `{"text":"hello"}`, string(done.Result))
	assert.Equal(t, 0, m.Inflight())

	// RUNNING progressed before completion
	var sawRunning bool
	for _, event := range recorder.snapshot() {
		if event.eventType == haip.TypeToolUpdate {
			if update := event.payload.(*haip.ToolUpdatePayload); update.Status == haip.ToolRunning {
				sawRunning = true
			}
		}
	}
	assert.True(t, sawRunning)
}

func TestToolManagerRejections(t *testing.T) {
	testCases := []struct {
		description string
		payload     *haip.ToolCallPayload
		errorKey    string
	}{
		{
			description: "unknown tool",
			payload:     &haip.ToolCallPayload{CallID: "c1", Tool: "nope", Params: json.RawMessage(`{}`)},
			errorKey:    "unknown_tool",
		},
		{
			description: "schema violation",
			payload:     &haip.ToolCallPayload{CallID: "c2", Tool: "echo", Params: json.RawMessage(`{"text":1}`)},
			errorKey:    "schema",
		},
		{
			description: "missing call id",
			payload:     &haip.ToolCallPayload{Tool: "echo", Params: json.RawMessage(`{"text":"x"}`)},
			errorKey:    "missing_call_id",
		},
	}
	for _, testCase := range testCases {
		recorder := &emitRecorder{}
		m := newToolManager(echoRegistry(t), time.Second, "s1")
		m.emit = recorder.emit

		m.HandleCall(context.Background(), testCase.payload)

		done := recorder.lastDone()
		require.NotNil(t, done, testCase.description)
		assert.Equal(t, haip.ToolFailed, done.Status, testCase.description)
		var detail map[string]interface{}
		require.NoError(t, json.Unmarshal(done.Result, &detail), testCase.description)
		assert.Contains(t, string(done.Result), testCase.errorKey, testCase.description)
		assert.Equal(t, 0, m.Inflight(), testCase.description)
	}
}

func TestToolManagerDuplicateCallID(t *testing.T) {
	recorder := &emitRecorder{}
	registry := NewRegistry()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, registry.Register(&Tool{
		Name: "slow",
		Handler: ToolHandlerFunc(func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
			close(started)
			<-release
			return nil, nil
		}),
	}))
	m := newToolManager(registry, time.Second, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "slow"})
	<-started
	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "slow"})

	done := recorder.lastDone()
	require.NotNil(t, done)
	assert.Contains(t, string(done.Result), "duplicate_call_id")
	close(release)
}

func TestToolManagerCancel(t *testing.T) {
	recorder := &emitRecorder{}
	registry := NewRegistry()
	started := make(chan struct{})
	require.NoError(t, registry.Register(&Tool{
		Name: "block",
		Handler: ToolHandlerFunc(func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))
	m := newToolManager(registry, time.Minute, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "block"})
	<-started
	m.HandleCancel(&haip.ToolCancelPayload{CallID: "c1", Reason: "user"})

	require.Eventually(t, func() bool {
		done := recorder.lastDone()
		return done != nil && done.Status == haip.ToolCancelled
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.Inflight())
}

func TestToolManagerLocalHandlerIgnoresContext(t *testing.T) {
	recorder := &emitRecorder{}
	registry := NewRegistry()
	release := make(chan struct{})
	require.NoError(t, registry.Register(&Tool{
		Name: "stuck",
		Handler: ToolHandlerFunc(func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
			// never looks at ctx
			<-release
			return nil, nil
		}),
	}))
	m := newToolManager(registry, 50*time.Millisecond, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "stuck"})

	// the call still terminates even though the handler never returns
	require.Eventually(t, func() bool {
		done := recorder.lastDone()
		return done != nil && done.Status == haip.ToolFailed
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, string(recorder.lastDone().Result), "timeout")
	assert.Equal(t, 0, m.Inflight())
	close(release)
}

func TestToolManagerExternalTimeout(t *testing.T) {
	recorder := &emitRecorder{}
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Tool{Name: "delegated"}))
	m := newToolManager(registry, 50*time.Millisecond, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "delegated"})
	assert.Equal(t, 1, m.Inflight())

	require.Eventually(t, func() bool {
		done := recorder.lastDone()
		return done != nil && done.Status == haip.ToolFailed
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, string(recorder.lastDone().Result), "timeout")
}

func TestToolManagerExternalQueuedCancel(t *testing.T) {
	recorder := &emitRecorder{}
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Tool{Name: "delegated"}))
	m := newToolManager(registry, time.Minute, "s1")
	m.emit = recorder.emit

	m.HandleCall(context.Background(), &haip.ToolCallPayload{CallID: "c1", Tool: "delegated"})
	m.HandleCancel(&haip.ToolCancelPayload{CallID: "c1"})

	done := recorder.lastDone()
	require.NotNil(t, done)
	assert.Equal(t, haip.ToolCancelled, done.Status)
}

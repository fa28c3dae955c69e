package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/haipio/haip"
	"github.com/haipio/haip/internal/pointer"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolCallContext is handed to tool implementations; it identifies the call
// and lets the implementation publish progress before completion.
type ToolCallContext struct {
	SessionID string
	CallID    string
	update    func(status haip.ToolCallStatus, progress *int, partial json.RawMessage)
}

// EmitUpdate publishes an intermediate TOOL_UPDATE for the call. It may be
// called any number of times before the implementation returns.
func (c *ToolCallContext) EmitUpdate(status haip.ToolCallStatus, progress *int, partial json.RawMessage) {
	if c.update != nil {
		c.update(status, progress, partial)
	}
}

// ToolHandler executes a registered tool.
type ToolHandler interface {
	Invoke(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error)
}

// ToolHandlerFunc adapts a function to the ToolHandler interface.
type ToolHandlerFunc func(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error)

// Invoke implements ToolHandler.
func (f ToolHandlerFunc) Invoke(ctx context.Context, params json.RawMessage, call *ToolCallContext) (json.RawMessage, error) {
	return f(ctx, params, call)
}

// Tool describes a registry entry. Handler is optional: without one, tool
// execution is delegated to an external collaborator that observes TOOL_CALL
// events and replies with TOOL_UPDATE and TOOL_DONE envelopes.
type Tool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Handler      ToolHandler
}

type registeredTool struct {
	tool  *Tool
	input *jsonschema.Schema
}

// Registry maps tool names to their schemas and implementations. It is
// process-wide, shared by every session; registration is guarded by a
// single-writer lock with read-locked lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]*registeredTool{}}
}

// Register adds a tool, compiling its input schema for call validation.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	entry := &registeredTool{tool: tool}
	if len(tool.InputSchema) > 0 {
		schema, err := compileSchema(tool.Name, tool.InputSchema)
		if err != nil {
			return fmt.Errorf("tool %s: %w", tool.Name, err)
		}
		entry.input = schema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = entry
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry, ok
}

// List advertises the registered tools.
func (r *Registry) List() []haip.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]haip.ToolInfo, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, haip.ToolInfo{Name: entry.tool.Name, Description: entry.tool.Description})
	}
	return out
}

// Schemas returns a single tool's schema payload.
func (r *Registry) Schemas(name string) (*haip.ToolSchemaPayload, bool) {
	entry, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return &haip.ToolSchemaPayload{
		Tool:         name,
		InputSchema:  entry.tool.InputSchema,
		OutputSchema: entry.tool.OutputSchema,
	}, true
}

// Validate checks params against the tool's compiled input schema.
func (r *Registry) Validate(name string, params json.RawMessage) error {
	entry, ok := r.lookup(name)
	if !ok {
		return fmt.Errorf("unknown tool %s", name)
	}
	if entry.input == nil {
		return nil
	}
	var value any
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(params, &value); err != nil {
		return fmt.Errorf("unmarshal params: %w", err)
	}
	return entry.input.Validate(value)
}

// ToolCall is one in-flight row of the tool table.
type ToolCall struct {
	CallID   string
	Tool     string
	RunID    string
	Status   haip.ToolCallStatus
	Final    haip.ToolResultStatus
	Progress int

	StartedAt time.Time
	EndedAt   time.Time

	cancel          context.CancelFunc
	cancelRequested bool
	external        bool
}

// toolManager owns the in-flight tool-call table of one session and the
// lifecycle state machine:
//
//	QUEUED -> RUNNING -> COMPLETED(OK|ERROR)
//	RUNNING -> CANCELLING -> COMPLETED(CANCELLED)
//	QUEUED -> COMPLETED(CANCELLED)
type toolManager struct {
	mu        sync.Mutex
	registry  *Registry
	inflight  map[string]*ToolCall
	timeout   time.Duration
	sessionID string

	// emit enqueues an outbound AGENT-channel envelope for the session.
	emit func(t haip.EventType, payload interface{})
	// observe publishes the call on the engine event bus.
	observe func(call *ToolCall, payload *haip.ToolCallPayload)
}

func newToolManager(registry *Registry, timeout time.Duration, sessionID string) *toolManager {
	return &toolManager{
		registry:  registry,
		inflight:  map[string]*ToolCall{},
		timeout:   timeout,
		sessionID: sessionID,
	}
}

// HandleCall starts the lifecycle for an inbound TOOL_CALL. Validation
// failures and unknown tools terminate immediately with TOOL_DONE ERROR and
// never reach QUEUED.
func (m *toolManager) HandleCall(ctx context.Context, p *haip.ToolCallPayload) {
	if p.CallID == "" {
		m.emit(haip.TypeToolDone, &haip.ToolDonePayload{
			Status: haip.ToolFailed,
			Result: mustJSON(map[string]string{"error": "missing_call_id"}),
		})
		return
	}
	entry, known := m.registry.lookup(p.Tool)
	if !known {
		m.emit(haip.TypeToolDone, &haip.ToolDonePayload{
			CallID: p.CallID,
			Status: haip.ToolFailed,
			Result: mustJSON(map[string]string{"error": "unknown_tool"}),
		})
		return
	}
	if err := m.registry.Validate(p.Tool, p.Params); err != nil {
		m.emit(haip.TypeToolDone, &haip.ToolDonePayload{
			CallID: p.CallID,
			Status: haip.ToolFailed,
			Result: mustJSON(map[string]interface{}{"error": "schema", "details": err.Error()}),
		})
		return
	}

	m.mu.Lock()
	if _, exists := m.inflight[p.CallID]; exists {
		m.mu.Unlock()
		m.emit(haip.TypeToolDone, &haip.ToolDonePayload{
			CallID: p.CallID,
			Status: haip.ToolFailed,
			Result: mustJSON(map[string]string{"error": "duplicate_call_id"}),
		})
		return
	}
	call := &ToolCall{
		CallID:    p.CallID,
		Tool:      p.Tool,
		RunID:     p.RunID,
		Status:    haip.ToolQueued,
		StartedAt: time.Now(),
		external:  entry.tool.Handler == nil,
	}
	m.inflight[p.CallID] = call
	m.mu.Unlock()

	if m.observe != nil {
		m.observe(call, p)
	}

	if call.external {
		// execution is delegated; keep the row so cancellation and the
		// forced timeout still apply
		m.emit(haip.TypeToolUpdate, &haip.ToolUpdatePayload{CallID: p.CallID, Status: haip.ToolQueued})
		m.scheduleTimeout(p.CallID)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	m.mu.Lock()
	call.cancel = cancel
	m.mu.Unlock()
	// a handler that ignores its context must still terminate the call
	m.scheduleTimeout(p.CallID)
	go m.invoke(callCtx, cancel, entry.tool, call, p)
}

func (m *toolManager) invoke(ctx context.Context, cancel context.CancelFunc, tool *Tool, call *ToolCall, p *haip.ToolCallPayload) {
	defer cancel()
	m.transition(call.CallID, haip.ToolRunning)
	m.emit(haip.TypeToolUpdate, &haip.ToolUpdatePayload{CallID: call.CallID, Status: haip.ToolRunning, Progress: pointer.Ref(0)})

	callCtx := &ToolCallContext{
		SessionID: m.sessionID,
		CallID:    call.CallID,
		update: func(status haip.ToolCallStatus, progress *int, partial json.RawMessage) {
			m.transition(call.CallID, status)
			m.emit(haip.TypeToolUpdate, &haip.ToolUpdatePayload{
				CallID: call.CallID, Status: status, Progress: progress, Partial: partial,
			})
		},
	}

	result, err := tool.Handler.Invoke(ctx, p.Params, callCtx)
	switch {
	case err == nil:
		m.Complete(call.CallID, haip.ToolOK, result)
	case ctx.Err() != nil && m.isCancelRequested(call.CallID):
		m.Complete(call.CallID, haip.ToolCancelled, nil)
	case ctx.Err() == context.DeadlineExceeded:
		m.Complete(call.CallID, haip.ToolFailed, mustJSON(map[string]string{"error": "timeout"}))
	default:
		m.Complete(call.CallID, haip.ToolFailed, mustJSON(map[string]string{"error": err.Error()}))
	}
}

// HandleCancel advances a call to CANCELLING and signals the implementation.
// A call still QUEUED (external, not yet started) completes CANCELLED at once.
func (m *toolManager) HandleCancel(p *haip.ToolCancelPayload) {
	m.mu.Lock()
	call, ok := m.inflight[p.CallID]
	if !ok {
		m.mu.Unlock()
		return
	}
	call.cancelRequested = true
	queued := call.Status == haip.ToolQueued && call.external
	if !queued {
		call.Status = haip.ToolCancelling
	}
	cancel := call.cancel
	m.mu.Unlock()

	if queued {
		m.Complete(p.CallID, haip.ToolCancelled, nil)
		return
	}
	m.emit(haip.TypeToolUpdate, &haip.ToolUpdatePayload{CallID: p.CallID, Status: haip.ToolCancelling})
	if cancel != nil {
		cancel()
	}
}

// HandleUpdate folds an external executor's TOOL_UPDATE into the table.
func (m *toolManager) HandleUpdate(p *haip.ToolUpdatePayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call, ok := m.inflight[p.CallID]
	if !ok {
		return
	}
	call.Status = p.Status
	if p.Progress != nil {
		call.Progress = *p.Progress
	}
}

// Complete terminates a call, emits the TOOL_DONE envelope and drops the row
// from the in-flight table.
func (m *toolManager) Complete(callID string, status haip.ToolResultStatus, result json.RawMessage) {
	m.mu.Lock()
	call, ok := m.inflight[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.inflight, callID)
	call.Final = status
	call.EndedAt = time.Now()
	m.mu.Unlock()

	m.emit(haip.TypeToolDone, &haip.ToolDonePayload{CallID: callID, Status: status, Result: result})
}

// CancelRun sends TOOL_CANCEL semantics to every in-flight call bound to the
// run; cancelling a run is advisory to its tool calls.
func (m *toolManager) CancelRun(runID string) {
	m.mu.Lock()
	var ids []string
	for id, call := range m.inflight {
		if call.RunID == runID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.HandleCancel(&haip.ToolCancelPayload{CallID: id, Reason: "run cancelled"})
	}
}

// CancelAll cancels every in-flight call; used on session close.
func (m *toolManager) CancelAll(reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.inflight))
	for id := range m.inflight {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.HandleCancel(&haip.ToolCancelPayload{CallID: id, Reason: reason})
	}
}

// Inflight returns the number of open rows.
func (m *toolManager) Inflight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *toolManager) transition(callID string, status haip.ToolCallStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.inflight[callID]; ok {
		call.Status = status
	}
}

func (m *toolManager) isCancelRequested(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if call, ok := m.inflight[callID]; ok {
		return call.cancelRequested
	}
	return true
}

// scheduleTimeout forces ERROR termination of a call that produced no
// terminal event in time, whoever executes it.
func (m *toolManager) scheduleTimeout(callID string) {
	time.AfterFunc(m.timeout, func() {
		m.mu.Lock()
		_, open := m.inflight[callID]
		m.mu.Unlock()
		if open {
			m.Complete(callID, haip.ToolFailed, mustJSON(map[string]string{"error": "timeout"}))
		}
	})
}

func mustJSON(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

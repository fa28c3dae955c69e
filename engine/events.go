package engine

import "github.com/haipio/haip"

// Events carries the observable callbacks a façade may register. All fields
// are optional. Callbacks run on the session's reader task; implementations
// that block should hand off to their own goroutines.
type Events struct {
	// OnConnect fires when a transport is bound to a session.
	OnConnect func(session *Session)
	// OnDisconnect fires when the transport unbinds; reason is nil on a
	// clean close.
	OnDisconnect func(session *Session, reason error)
	// OnHandshake fires after HAI negotiation completes.
	OnHandshake func(session *Session)
	// OnMessage fires for every application envelope delivered in order.
	OnMessage func(session *Session, env *haip.Envelope)
	// OnBinary fires for envelopes that arrived with a paired binary frame.
	OnBinary func(session *Session, env *haip.Envelope, bin []byte)
	// OnRunStarted and OnRunFinished track run lifecycle.
	OnRunStarted  func(session *Session, run *Run)
	OnRunFinished func(session *Session, run *Run)
	// OnToolCall fires when a TOOL_CALL is accepted into the in-flight table.
	OnToolCall func(session *Session, call *ToolCall, payload *haip.ToolCallPayload)
	// OnError fires for local and peer-visible errors together with the
	// recommended recovery action.
	OnError func(session *Session, err *haip.Error, action haip.Action)
}

func (e *Events) connect(s *Session) {
	if e.OnConnect != nil {
		e.OnConnect(s)
	}
}

func (e *Events) disconnect(s *Session, reason error) {
	if e.OnDisconnect != nil {
		e.OnDisconnect(s, reason)
	}
}

func (e *Events) handshake(s *Session) {
	if e.OnHandshake != nil {
		e.OnHandshake(s)
	}
}

func (e *Events) message(s *Session, env *haip.Envelope) {
	if e.OnMessage != nil {
		e.OnMessage(s, env)
	}
}

func (e *Events) binary(s *Session, env *haip.Envelope, bin []byte) {
	if e.OnBinary != nil {
		e.OnBinary(s, env, bin)
	}
}

func (e *Events) runStarted(s *Session, run *Run) {
	if e.OnRunStarted != nil {
		e.OnRunStarted(s, run)
	}
}

func (e *Events) runFinished(s *Session, run *Run) {
	if e.OnRunFinished != nil {
		e.OnRunFinished(s, run)
	}
}

func (e *Events) toolCall(s *Session, call *ToolCall, payload *haip.ToolCallPayload) {
	if e.OnToolCall != nil {
		e.OnToolCall(s, call, payload)
	}
}

func (e *Events) error(s *Session, err *haip.Error) {
	if e.OnError != nil {
		e.OnError(s, err, haip.ActionFor(err.Code))
	}
}

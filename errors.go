package haip

import "fmt"

// ErrorCode identifies a wire-level error family member.
type ErrorCode string

const (
	// Protocol family.
	ErrProtocolViolation   ErrorCode = "PROTOCOL_VIOLATION"
	ErrSeqViolation        ErrorCode = "SEQ_VIOLATION"
	ErrUnsupportedType     ErrorCode = "UNSUPPORTED_TYPE"
	ErrVersionIncompatible ErrorCode = "VERSION_INCOMPATIBLE"

	// Flow family.
	ErrFlowControlViolation ErrorCode = "FLOW_CONTROL_VIOLATION"

	// State family.
	ErrReplayTooOld     ErrorCode = "REPLAY_TOO_OLD"
	ErrResumeFailed     ErrorCode = "RESUME_FAILED"
	ErrRunLimitExceeded ErrorCode = "RUN_LIMIT_EXCEEDED"
	ErrRunNotFound      ErrorCode = "RUN_NOT_FOUND"

	// Tool family.
	ErrToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	ErrToolExecutionError  ErrorCode = "TOOL_EXECUTION_ERROR"
	ErrToolSchemaViolation ErrorCode = "TOOL_SCHEMA_VIOLATION"

	// Auth family.
	ErrAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"

	// Transport family.
	ErrBinaryFrameError ErrorCode = "BINARY_FRAME_ERROR"
	ErrTimeout          ErrorCode = "TIMEOUT"
)

// Error is a peer-visible protocol error. It is both a Go error and the
// source of the wire-level ERROR envelope payload.
type Error struct {
	Code      ErrorCode
	Message   string
	RelatedID string
	Detail    map[string]interface{}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.RelatedID != "" {
		return fmt.Sprintf("%s: %s (related: %s)", e.Code, e.Message, e.RelatedID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Payload converts the error into its wire payload form.
func (e *Error) Payload() *ErrorPayload {
	return &ErrorPayload{Code: e.Code, Message: e.Message, RelatedID: e.RelatedID, Detail: e.Detail}
}

// WithRelated attaches the offending envelope id.
func (e *Error) WithRelated(id string) *Error {
	e.RelatedID = id
	return e
}

// WithDetail attaches a detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = map[string]interface{}{}
	}
	e.Detail[key] = value
	return e
}

// NewError creates a peer-visible error.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewProtocolViolation creates a protocol violation error naming the
// offending field.
func NewProtocolViolation(field, message string) *Error {
	err := NewError(ErrProtocolViolation, "%s", message)
	if field != "" {
		err = err.WithDetail("field", field)
	}
	return err
}

// Action is the recommended client reaction to a wire error.
type Action string

const (
	ActionRetryBackoff   Action = "retry-with-backoff"
	ActionRequestReplay  Action = "request-replay"
	ActionAwaitCredit    Action = "await-credit"
	ActionReauthenticate Action = "reauthenticate"
	ActionUpgrade        Action = "upgrade"
	ActionResetSession   Action = "reset-session"
	ActionNone           Action = "none"
)

// ActionFor maps an error code to its recommended action hint. The engine
// surfaces the hint alongside the raw ERROR envelope; it does not enforce it.
func ActionFor(code ErrorCode) Action {
	switch code {
	case ErrProtocolViolation, ErrUnsupportedType, ErrTimeout, ErrBinaryFrameError:
		return ActionRetryBackoff
	case ErrSeqViolation:
		return ActionRequestReplay
	case ErrFlowControlViolation:
		return ActionAwaitCredit
	case ErrAuthenticationFailed:
		return ActionReauthenticate
	case ErrVersionIncompatible:
		return ActionUpgrade
	case ErrReplayTooOld, ErrResumeFailed:
		return ActionResetSession
	default:
		return ActionNone
	}
}

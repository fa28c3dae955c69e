package haip

import "encoding/json"

// EventType is the event kind carried in the envelope's type field.
type EventType string

const (
	TypeHai           EventType = "HAI"
	TypePing          EventType = "PING"
	TypePong          EventType = "PONG"
	TypeAck           EventType = "ACK"
	TypeRunStarted    EventType = "RUN_STARTED"
	TypeRunFinished   EventType = "RUN_FINISHED"
	TypeRunCancel     EventType = "RUN_CANCEL"
	TypeRunError      EventType = "RUN_ERROR"
	TypeTextStart     EventType = "TEXT_MESSAGE_START"
	TypeTextPart      EventType = "TEXT_MESSAGE_PART"
	TypeTextEnd       EventType = "TEXT_MESSAGE_END"
	TypeAudioChunk    EventType = "AUDIO_CHUNK"
	TypeToolCall      EventType = "TOOL_CALL"
	TypeToolUpdate    EventType = "TOOL_UPDATE"
	TypeToolDone      EventType = "TOOL_DONE"
	TypeToolCancel    EventType = "TOOL_CANCEL"
	TypeToolList      EventType = "TOOL_LIST"
	TypeToolSchema    EventType = "TOOL_SCHEMA"
	TypeFlowUpdate    EventType = "FLOW_UPDATE"
	TypePauseChannel  EventType = "PAUSE_CHANNEL"
	TypeResumeChannel EventType = "RESUME_CHANNEL"
	TypeReplayRequest EventType = "REPLAY_REQUEST"
	TypeError         EventType = "ERROR"
)

// EventTypes lists every event type the engine understands.
var EventTypes = []EventType{
	TypeHai, TypePing, TypePong, TypeAck,
	TypeRunStarted, TypeRunFinished, TypeRunCancel, TypeRunError,
	TypeTextStart, TypeTextPart, TypeTextEnd, TypeAudioChunk,
	TypeToolCall, TypeToolUpdate, TypeToolDone, TypeToolCancel,
	TypeToolList, TypeToolSchema,
	TypeFlowUpdate, TypePauseChannel, TypeResumeChannel,
	TypeReplayRequest, TypeError,
}

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunFinished  RunStatus = "finished"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "error"
)

// ToolCallStatus is the non-terminal status carried by TOOL_UPDATE.
type ToolCallStatus string

const (
	ToolQueued     ToolCallStatus = "QUEUED"
	ToolRunning    ToolCallStatus = "RUNNING"
	ToolCancelling ToolCallStatus = "CANCELLING"
)

// ToolResultStatus is the terminal status carried by TOOL_DONE.
type ToolResultStatus string

const (
	ToolOK        ToolResultStatus = "OK"
	ToolCancelled ToolResultStatus = "CANCELLED"
	ToolFailed    ToolResultStatus = "ERROR"
)

// FlowCapability carries flow-control settings negotiated in the handshake.
type FlowCapability struct {
	InitialCreditMessages int64 `json:"initial_credit_messages,omitempty"`
	InitialCreditBytes    int64 `json:"initial_credit_bytes,omitempty"`
	MaxCreditMessages     int64 `json:"max_credit_messages,omitempty"`
	MaxCreditBytes        int64 `json:"max_credit_bytes,omitempty"`
}

// Capabilities announces endpoint capabilities during the handshake.
type Capabilities struct {
	FlowControl       *FlowCapability `json:"flow_control,omitempty"`
	MaxConcurrentRuns int             `json:"max_concurrent_runs,omitempty"`
	BinaryFrames      bool            `json:"binary_frames,omitempty"`
}

// HaiPayload is the handshake payload exchanged as the first envelope on a
// new transport in either direction.
type HaiPayload struct {
	HaipVersion  string        `json:"haip_version"`
	AcceptMajor  []int         `json:"accept_major"`
	AcceptEvents []EventType   `json:"accept_events"`
	Capabilities *Capabilities `json:"capabilities,omitempty"`
	LastRxSeq    string        `json:"last_rx_seq,omitempty"`
}

// PingPayload and PongPayload carry the heartbeat nonce.
type PingPayload struct {
	Nonce string `json:"nonce"`
}

type PongPayload struct {
	Nonce string `json:"nonce"`
}

// RunStartedPayload starts (or, echoed by the server, confirms) a run.
type RunStartedPayload struct {
	RunID    string                 `json:"run_id,omitempty"`
	ThreadID string                 `json:"thread_id,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type RunFinishedPayload struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status,omitempty"`
	Summary string    `json:"summary,omitempty"`
}

type RunCancelPayload struct {
	RunID string `json:"run_id"`
}

type RunErrorPayload struct {
	RunID string        `json:"run_id"`
	Error *ErrorPayload `json:"error"`
}

// TextStartPayload opens a streamed text message.
type TextStartPayload struct {
	MessageID string `json:"message_id"`
	Author    string `json:"author"`
	Text      string `json:"text,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

type TextPartPayload struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

type TextEndPayload struct {
	MessageID string `json:"message_id"`
	Tokens    int    `json:"tokens,omitempty"`
}

// AudioChunkPayload announces a binary audio frame.
type AudioChunkPayload struct {
	MessageID  string `json:"message_id"`
	Mime       string `json:"mime"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	// BinRef carries a retrieval reference on transports whose push direction
	// cannot interleave binary frames (the SSE push variant).
	BinRef string `json:"bin_ref,omitempty"`
}

type ToolCallPayload struct {
	CallID string          `json:"call_id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
	RunID  string          `json:"run_id,omitempty"`
}

type ToolUpdatePayload struct {
	CallID   string          `json:"call_id"`
	Status   ToolCallStatus  `json:"status"`
	Progress *int            `json:"progress,omitempty"`
	Partial  json.RawMessage `json:"partial,omitempty"`
}

type ToolDonePayload struct {
	CallID string           `json:"call_id"`
	Status ToolResultStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
}

type ToolCancelPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

// ToolInfo advertises a registered tool in TOOL_LIST.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ToolListPayload struct {
	Tools []ToolInfo `json:"tools"`
}

type ToolSchemaPayload struct {
	Tool         string          `json:"tool"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// FlowUpdatePayload grants additional credit on a channel.
type FlowUpdatePayload struct {
	Channel     Channel `json:"channel"`
	AddMessages int64   `json:"add_messages,omitempty"`
	AddBytes    int64   `json:"add_bytes,omitempty"`
}

// ChannelControlPayload is shared by PAUSE_CHANNEL and RESUME_CHANNEL.
type ChannelControlPayload struct {
	Channel Channel `json:"channel"`
}

type ReplayRequestPayload struct {
	FromSeq string `json:"from_seq"`
	// ToSeq absent means "through the current last outbound seq".
	ToSeq string `json:"to_seq,omitempty"`
}

// ErrorPayload is the wire form of a peer-visible error.
type ErrorPayload struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	RelatedID string                 `json:"related_id,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// MarshalPayload renders a typed payload as envelope payload bytes. A nil
// payload becomes an empty JSON object, the wire form of "no payload".
func MarshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return data, nil
}

package haip

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Channel identifies a logical stream with its own flow-control pools.
type Channel string

const (
	ChannelUser     Channel = "USER"
	ChannelAgent    Channel = "AGENT"
	ChannelSystem   Channel = "SYSTEM"
	ChannelAudioIn  Channel = "AUDIO_IN"
	ChannelAudioOut Channel = "AUDIO_OUT"
)

// Channels lists the channels defined by the protocol.
var Channels = []Channel{ChannelUser, ChannelAgent, ChannelSystem, ChannelAudioIn, ChannelAudioOut}

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Valid reports whether the channel name is structurally valid on the wire.
func (c Channel) Valid() bool {
	return channelPattern.MatchString(string(c))
}

// Envelope is the JSON object framing a single protocol event.
type Envelope struct {
	// ID is the unique message identifier (a UUID string).
	ID string `json:"id"`

	// Session is the session identifier assigned by the server.
	Session string `json:"session"`

	// Seq is a decimal string, strictly increasing per session per direction,
	// starting at 1. It is kept as a string on the wire so 64-bit values
	// survive JSON number handling.
	Seq string `json:"seq"`

	// Ack is the highest seq the sender has fully processed from the peer,
	// cumulative. Optional.
	Ack string `json:"ack,omitempty"`

	// TS is the sender's clock in Unix milliseconds.
	TS int64 `json:"ts"`

	// Channel is the logical stream the event belongs to.
	Channel Channel `json:"channel"`

	// Type is the event kind.
	Type EventType `json:"type"`

	// Payload is the type-specific mapping. It is stored as raw bytes so each
	// component unmarshals only the payloads it owns.
	Payload json.RawMessage `json:"payload"`

	// BinLen, when present, announces a following binary frame of exactly
	// BinLen bytes on the same transport in the same direction.
	BinLen *int64 `json:"bin_len,omitempty"`

	// BinMime is the media type of the announced binary frame.
	BinMime string `json:"bin_mime,omitempty"`
}

// UnmarshalJSON is a custom JSON unmarshaler enforcing the envelope's
// structural invariants. A missing required field fails with the offending
// field name so the caller can surface PROTOCOL_VIOLATION with it attached.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	required := struct {
		ID      *string          `json:"id"`
		Session *string          `json:"session"`
		Seq     *string          `json:"seq"`
		Ack     *string          `json:"ack"`
		TS      *int64           `json:"ts"`
		Channel *Channel         `json:"channel"`
		Type    *EventType       `json:"type"`
		Payload *json.RawMessage `json:"payload"`
		BinLen  *int64           `json:"bin_len"`
		BinMime *string          `json:"bin_mime"`
	}{}
	if err := json.Unmarshal(data, &required); err != nil {
		return err
	}
	if required.ID == nil {
		return &FieldError{Field: "id"}
	}
	if required.Session == nil {
		return &FieldError{Field: "session"}
	}
	if required.Seq == nil {
		return &FieldError{Field: "seq"}
	}
	if required.TS == nil {
		return &FieldError{Field: "ts"}
	}
	if required.Channel == nil {
		return &FieldError{Field: "channel"}
	}
	if required.Type == nil {
		return &FieldError{Field: "type"}
	}
	if required.Payload == nil {
		return &FieldError{Field: "payload"}
	}
	e.ID = *required.ID
	e.Session = *required.Session
	e.Seq = *required.Seq
	if required.Ack != nil {
		e.Ack = *required.Ack
	}
	e.TS = *required.TS
	e.Channel = *required.Channel
	e.Type = *required.Type
	e.Payload = *required.Payload
	e.BinLen = required.BinLen
	if required.BinMime != nil {
		e.BinMime = *required.BinMime
	}
	return e.validate()
}

func (e *Envelope) validate() error {
	if !e.Channel.Valid() {
		return &FieldError{Field: "channel", Reason: "invalid channel name"}
	}
	if _, err := ParseSeq(e.Seq); err != nil {
		return &FieldError{Field: "seq", Reason: err.Error()}
	}
	if e.Ack != "" {
		if _, err := ParseSeq(e.Ack); err != nil {
			return &FieldError{Field: "ack", Reason: err.Error()}
		}
	}
	if e.BinLen != nil && *e.BinLen < 0 {
		return &FieldError{Field: "bin_len", Reason: "negative length"}
	}
	return nil
}

// SeqValue returns the envelope sequence as an unsigned integer. The envelope
// is assumed to have passed validation.
func (e *Envelope) SeqValue() uint64 {
	v, _ := ParseSeq(e.Seq)
	return v
}

// AckValue returns the cumulative ack as an unsigned integer, zero when absent.
func (e *Envelope) AckValue() uint64 {
	if e.Ack == "" {
		return 0
	}
	v, _ := ParseSeq(e.Ack)
	return v
}

// BinaryLen returns the announced binary frame length, zero when absent.
func (e *Envelope) BinaryLen() int64 {
	if e.BinLen == nil {
		return 0
	}
	return *e.BinLen
}

// ParseSeq parses a wire sequence value (decimal string, 64-bit unsigned).
func ParseSeq(seq string) (uint64, error) {
	if seq == "" {
		return 0, errors.New("empty sequence")
	}
	v, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence %q", seq)
	}
	return v, nil
}

// FormatSeq renders a sequence value in its wire form.
func FormatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// Encode renders the envelope as UTF-8 JSON.
func (e *Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses raw bytes into an envelope, enforcing structural invariants.
func Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, err
	}
	return env, nil
}

// FieldError reports a structurally invalid or missing envelope field.
type FieldError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *FieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("field %s in Envelope: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %s in Envelope: required", e.Field)
}

package haip

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidEnvelope(t *testing.T) {
	data := []byte(`{"id":"m-1","session":"s-1","seq":"7","ack":"3","ts":1712000000000,` +
		`"channel":"USER","type":"TEXT_MESSAGE_PART","payload":{"message_id":"t-1","text":"hi"}}`)
	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.ID)
	assert.Equal(t, uint64(7), env.SeqValue())
	assert.Equal(t, uint64(3), env.AckValue())
	assert.Equal(t, ChannelUser, env.Channel)
	assert.Equal(t, TypeTextPart, env.Type)
	assert.Equal(t, int64(0), env.BinaryLen())
}

func TestDecodeMissingFields(t *testing.T) {
	testCases := []struct {
		field string
		data  string
	}{
		{field: "id", data: `{"session":"s","seq":"1","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{field: "session", data: `{"id":"m","seq":"1","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{field: "seq", data: `{"id":"m","session":"s","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{field: "ts", data: `{"id":"m","session":"s","seq":"1","channel":"USER","type":"PING","payload":{}}`},
		{field: "channel", data: `{"id":"m","session":"s","seq":"1","ts":1,"type":"PING","payload":{}}`},
		{field: "type", data: `{"id":"m","session":"s","seq":"1","ts":1,"channel":"USER","payload":{}}`},
		{field: "payload", data: `{"id":"m","session":"s","seq":"1","ts":1,"channel":"USER","type":"PING"}`},
	}
	for _, testCase := range testCases {
		_, err := Decode([]byte(testCase.data))
		require.Error(t, err, testCase.field)
		fieldErr := &FieldError{}
		require.ErrorAs(t, err, &fieldErr, testCase.field)
		assert.Equal(t, testCase.field, fieldErr.Field)
	}
}

func TestDecodeInvalidValues(t *testing.T) {
	testCases := []struct {
		description string
		data        string
	}{
		{description: "non-numeric seq", data: `{"id":"m","session":"s","seq":"x","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{description: "empty seq", data: `{"id":"m","session":"s","seq":"","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{description: "bad ack", data: `{"id":"m","session":"s","seq":"1","ack":"-2","ts":1,"channel":"USER","type":"PING","payload":{}}`},
		{description: "invalid channel", data: `{"id":"m","session":"s","seq":"1","ts":1,"channel":"US ER","type":"PING","payload":{}}`},
		{description: "negative bin_len", data: `{"id":"m","session":"s","seq":"1","ts":1,"channel":"USER","type":"AUDIO_CHUNK","payload":{},"bin_len":-4}`},
	}
	for _, testCase := range testCases {
		_, err := Decode([]byte(testCase.data))
		assert.Error(t, err, testCase.description)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	n := int64(128)
	env := &Envelope{
		ID:      "m-9",
		Session: "s-1",
		Seq:     "42",
		TS:      1712000000123,
		Channel: ChannelAudioOut,
		Type:    TypeAudioChunk,
		Payload: json.RawMessage(`{"message_id":"a-1","mime":"audio/pcm"}`),
		BinLen:  &n,
		BinMime: "audio/pcm",
	}
	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, int64(128), decoded.BinaryLen())
	assert.Equal(t, "audio/pcm", decoded.BinMime)
}

func TestSeqWireForm(t *testing.T) {
	v, err := ParseSeq("18446744073709551615")
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), v)
	assert.Equal(t, "18446744073709551615", FormatSeq(v))

	_, err = ParseSeq("1.5")
	assert.Error(t, err)
}

func TestChannelValid(t *testing.T) {
	assert.True(t, ChannelAudioIn.Valid())
	assert.True(t, Channel("custom-channel_1").Valid())
	assert.False(t, Channel("").Valid())
	assert.False(t, Channel("has space").Valid())
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionRequestReplay, ActionFor(ErrSeqViolation))
	assert.Equal(t, ActionAwaitCredit, ActionFor(ErrFlowControlViolation))
	assert.Equal(t, ActionReauthenticate, ActionFor(ErrAuthenticationFailed))
	assert.Equal(t, ActionUpgrade, ActionFor(ErrVersionIncompatible))
	assert.Equal(t, ActionResetSession, ActionFor(ErrResumeFailed))
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	herr := NewError(ErrReplayTooOld, "seq %d evicted", 4).
		WithRelated("m-2").
		WithDetail("floor", 10)
	payload := herr.Payload()
	assert.Equal(t, ErrReplayTooOld, payload.Code)
	assert.Equal(t, "m-2", payload.RelatedID)
	assert.Equal(t, 10, payload.Detail["floor"])
	assert.Contains(t, herr.Error(), "REPLAY_TOO_OLD")
}

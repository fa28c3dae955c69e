package transport

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)

	plain := []byte(`{"id":"a","seq":"1","bin_len":null}`)
	withBin := []byte(`{"id":"b","seq":"2","bin_len":4}`)
	audio := []byte{0xde, 0xad, 0xbe, 0xef}

	require.NoError(t, w.WriteFrame(Text(plain)))
	require.NoError(t, w.WriteFrame(Text(withBin)))
	require.NoError(t, w.WriteFrame(Binary(audio)))
	require.NoError(t, w.WriteFrame(Text(plain)))

	r := NewStreamReader(&buf)

	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameText, frame.Type)
	assert.Equal(t, plain, frame.Data)

	frame, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameText, frame.Type)
	assert.Equal(t, withBin, frame.Data)

	// the announced binary bytes come out as one frame, not as a line
	frame, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameBinary, frame.Type)
	assert.Equal(t, audio, frame.Data)

	frame, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameText, frame.Type)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestStreamReaderSkipsBlankLines(t *testing.T) {
	r := NewStreamReader(bytes.NewReader([]byte("\r\n\n{\"id\":\"a\"}\n")))
	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"a"}`), frame.Data)
}

func TestStreamReaderFinalLineWithoutNewline(t *testing.T) {
	r := NewStreamReader(bytes.NewReader([]byte(`{"id":"a"}`)))
	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"id":"a"}`), frame.Data)
}

func TestStreamReaderBinaryContainingNewlines(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	bin := []byte("line1\nline2\n{\"fake\":1}\n")
	require.NoError(t, w.WriteFrame(Text([]byte(`{"id":"b","bin_len":23}`))))
	require.NoError(t, w.WriteFrame(Binary(bin)))

	r := NewStreamReader(&buf)
	_, err := r.Next()
	require.NoError(t, err)
	frame, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameBinary, frame.Type)
	assert.Equal(t, bin, frame.Data)
}

func TestPeekBinLen(t *testing.T) {
	assert.EqualValues(t, 0, PeekBinLen([]byte(`{"id":"a"}`)))
	assert.EqualValues(t, 0, PeekBinLen([]byte(`{"bin_len":null}`)))
	assert.EqualValues(t, 42, PeekBinLen([]byte(`{"bin_len":42}`)))
	assert.EqualValues(t, 0, PeekBinLen([]byte(`not json`)))
}

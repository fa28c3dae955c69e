package transport

import (
	"bufio"
	"bytes"
	"io"
	"sync"
)

// StreamReader decodes the NDJSON wire form shared by the bidirectional
// chunked transport and message POST bodies: every envelope is one JSON line,
// and an envelope announcing bin_len is followed by exactly that many raw
// bytes before the next line.
type StreamReader struct {
	reader     *bufio.Reader
	pendingBin int64
}

// NewStreamReader wraps r for frame decoding.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{reader: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next frame in stream order.
func (s *StreamReader) Next() (*Frame, error) {
	if s.pendingBin > 0 {
		buf := make([]byte, s.pendingBin)
		s.pendingBin = 0
		if _, err := io.ReadFull(s.reader, buf); err != nil {
			return nil, err
		}
		return Binary(buf), nil
	}
	for {
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				// final line without a trailing newline
			} else {
				return nil, err
			}
		}
		if len(line) == 0 {
			continue
		}
		s.pendingBin = PeekBinLen(line)
		return Text(line), nil
	}
}

// StreamWriter encodes frames to the NDJSON wire form. Writes are serialised
// so an envelope line and its binary bytes are never interleaved.
type StreamWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewStreamWriter wraps w for frame encoding.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{writer: w}
}

// WriteFrame appends one frame to the stream.
func (s *StreamWriter) WriteFrame(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := frame.Data
	if frame.Type == FrameText {
		data = frameLine(data)
	}
	_, err := s.writer.Write(data)
	return err
}

// frameLine guarantees a single trailing newline so the reader can rely on
// the line delimiter.
func frameLine(data []byte) []byte {
	n := len(data)
	if n == 0 {
		return []byte("\n")
	}
	if data[n-1] == '\n' {
		return data
	}
	framed := make([]byte, n+1)
	copy(framed, data)
	framed[n] = '\n'
	return framed
}

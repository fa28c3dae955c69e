package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// Event is one parsed server-sent event.
type Event struct {
	ID    string
	Event string
	Data  string
}

// readEvent consumes lines until a complete event is assembled. Comment and
// unknown lines are skipped; io.EOF surfaces when the stream ends.
func readEvent(ctx context.Context, reader *bufio.Reader) (*Event, error) {
	event := &Event{}
	var hasData bool
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && hasData {
				return event, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if hasData {
				return event, nil
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			event.Data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			hasData = true
		case strings.HasPrefix(line, "id:"):
			event.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
}

package haip

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger defines the minimal logging contract consumed by transports.
type Logger interface {
	// Errorf logs an error message with formatting
	Errorf(format string, args ...interface{})
}

// ZeroLogger adapts a zerolog.Logger to the Logger contract.
type ZeroLogger struct {
	log zerolog.Logger
}

// Errorf implements Logger.Errorf.
func (l *ZeroLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// NewZeroLogger creates a Logger backed by the supplied zerolog.Logger.
func NewZeroLogger(log zerolog.Logger) *ZeroLogger {
	return &ZeroLogger{log: log}
}

// NewLogger builds a structured JSON logger writing to the supplied writer.
// If writer is nil, os.Stderr is used as the default.
func NewLogger(writer io.Writer) zerolog.Logger {
	if writer == nil {
		writer = os.Stderr
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}

// DefaultLogger is the default logger instance that writes to os.Stderr.
var DefaultLogger Logger = NewZeroLogger(NewLogger(os.Stderr))

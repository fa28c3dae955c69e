package haip

import (
	"errors"
	"fmt"
)

// UnauthorizedError reports that a transport dial was refused at the HTTP
// layer before the handshake (401 or 403). The client resume loop treats it
// as terminal: retrying with the same credentials cannot succeed.
type UnauthorizedError struct {
	// StatusCode is the refusing HTTP status.
	StatusCode int
	// Body is the response body, truncated by the dialer, when one was sent.
	Body []byte
}

func (e *UnauthorizedError) Error() string {
	if len(e.Body) > 0 {
		return fmt.Sprintf("unauthorized (status %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("unauthorized (status %d)", e.StatusCode)
}

// NewUnauthorizedError wraps a refusing status and body from a dialer.
func NewUnauthorizedError(statusCode int, body []byte) *UnauthorizedError {
	return &UnauthorizedError{StatusCode: statusCode, Body: body}
}

// IsUnauthorized reports whether err is or wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var target *UnauthorizedError
	return errors.As(err, &target)
}

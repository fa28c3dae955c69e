// Package streaming serves the bidirectional chunked HTTP transport: the
// request body is the client-to-server frame stream and the chunked response
// body is the server-to-client frame stream, both in the NDJSON wire form.
package streaming

import (
	"context"
	"net/http"

	"github.com/haipio/haip/transport"
	"github.com/haipio/haip/transport/server/httputil"
	"github.com/rs/zerolog"
)

// Serve hands an accepted connection to the protocol engine.
type Serve func(ctx context.Context, conn transport.Conn)

// Handler implements POST {base}/stream.
type Handler struct {
	serve Serve
	log   zerolog.Logger
}

// Option customises the handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// NewHandler creates the chunked stream endpoint handler.
func NewHandler(serve Serve, options ...Option) *Handler {
	h := &Handler{serve: serve, log: zerolog.Nop()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler. The handler blocks for the lifetime of
// the stream; returning ends the response body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !httputil.SameSiteOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	// reading the request body while streaming the response needs explicit
	// full-duplex mode on HTTP/1.1
	_ = http.NewResponseController(w).EnableFullDuplex()
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	conn := NewConn(r.Body, httputil.NewFlushWriter(w))
	defer conn.Close()
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("stream connected")
	go h.serve(context.WithoutCancel(r.Context()), conn)

	select {
	case <-r.Context().Done():
	case <-conn.closed:
	}
}

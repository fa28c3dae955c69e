package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haipio/haip/transport"
	"github.com/haipio/haip/transport/server/httputil"
	"github.com/rs/zerolog"
)

var noDeadline = time.Time{}

func closeDeadline() time.Time { return time.Now().Add(time.Second) }

// Serve hands an accepted connection to the protocol engine.
type Serve func(ctx context.Context, conn transport.Conn)

// Handler upgrades HTTP requests to websocket connections and hands them to
// the engine.
type Handler struct {
	serve    Serve
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// Option customises the handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithCheckOrigin overrides the origin policy. The default admits same-site
// origins and requests without an Origin header.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = check }
}

// WithBufferSizes sets the websocket read and write buffer sizes.
func WithBufferSizes(read, write int) Option {
	return func(h *Handler) {
		h.upgrader.ReadBufferSize = read
		h.upgrader.WriteBufferSize = write
	}
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(serve Serve, options ...Option) *Handler {
	h := &Handler{
		serve: serve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     httputil.SameSiteOrigin,
		},
		log: zerolog.Nop(),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	h.log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connected")
	h.serve(context.WithoutCancel(r.Context()), NewConn(ws))
}

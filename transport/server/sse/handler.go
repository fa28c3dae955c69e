package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/haipio/haip/internal/collection"
	"github.com/haipio/haip/transport"
	"github.com/haipio/haip/transport/server/httputil"
	"github.com/rs/zerolog"
)

// Serve hands an accepted connection to the protocol engine.
type Serve func(ctx context.Context, conn transport.Conn)

// Endpoint is the payload of the initial "endpoint" event; it tells the
// client where to post envelopes and fetch offered binary payloads.
type Endpoint struct {
	Token     string `json:"token"`
	Handshake string `json:"handshake"`
	Message   string `json:"message"`
	Binary    string `json:"binary"`
}

// Handler implements the server half of the push+post transport. The stream
// endpoint establishes the connection; the POST endpoints locate it by token.
type Handler struct {
	serve     Serve
	conns     *collection.SyncMap[string, *Conn]
	log       zerolog.Logger
	basePath  string
	keepAlive time.Duration
	maxBody   int64
}

// Option customises the handler.
type Option func(*Handler)

// WithLogger sets the handler logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithBasePath sets the URL prefix advertised in the endpoint event.
func WithBasePath(basePath string) Option {
	return func(h *Handler) { h.basePath = basePath }
}

// WithKeepAlive sets the comment keep-alive interval of the event stream.
func WithKeepAlive(interval time.Duration) Option {
	return func(h *Handler) { h.keepAlive = interval }
}

// WithMaxBodySize bounds accepted POST bodies.
func WithMaxBodySize(limit int64) Option {
	return func(h *Handler) { h.maxBody = limit }
}

// NewHandler creates the push+post endpoint set.
func NewHandler(serve Serve, options ...Option) *Handler {
	h := &Handler{
		serve:     serve,
		conns:     collection.NewSyncMap[string, *Conn](),
		log:       zerolog.Nop(),
		basePath:  "/haip",
		keepAlive: 15 * time.Second,
		maxBody:   16 << 20,
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Stream serves GET {base}/sse: it opens the event stream, advertises the
// endpoint set and pumps outbound envelopes until either side goes away.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !httputil.SameSiteOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	flush := httputil.NewFlushWriter(w)
	token := uuid.New().String()
	conn := newConn(token)
	h.conns.Put(token, conn)
	defer func() {
		h.conns.Delete(token)
		conn.Close()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	endpoint, err := json.Marshal(&Endpoint{
		Token:     token,
		Handshake: h.basePath + "/handshake?haip=" + token,
		Message:   h.basePath + "/message?haip=" + token,
		Binary:    h.basePath + "/bin?haip=" + token,
	})
	if err != nil {
		return
	}
	if err := writeEvent(flush, "endpoint", endpoint); err != nil {
		return
	}

	go h.serve(context.WithoutCancel(r.Context()), conn)

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.closed:
			return
		case data := <-conn.events:
			if err := writeEvent(flush, "message", data); err != nil {
				h.log.Debug().Err(err).Str("token", token).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if _, err := flush.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
		}
	}
}

// Handshake serves POST {base}/handshake; the body carries the HAI envelope.
func (h *Handler) Handshake(w http.ResponseWriter, r *http.Request) {
	h.Message(w, r)
}

// Message serves POST {base}/message: one or more envelope lines, each
// optionally followed by its announced binary bytes.
func (h *Handler) Message(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, ok := h.locate(r)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	reader := transport.NewStreamReader(http.MaxBytesReader(w, r.Body, h.maxBody))
	for {
		frame, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
			return
		}
		if err := conn.push(r.Context(), frame); err != nil {
			http.Error(w, "stream gone", http.StatusConflict)
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// Binary serves {base}/bin: GET retrieves an offered blob one-shot;
// POST uploads a client binary frame with its announcing envelope.
func (h *Handler) Binary(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		h.upload(w, r)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, ok := h.locate(r)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	ref := r.URL.Query().Get("ref")
	blob, ok := conn.blobs.take(ref)
	if !ok {
		http.Error(w, "unknown or already retrieved blob", http.StatusNotFound)
		return
	}
	if blob.mime != "" {
		w.Header().Set("Content-Type", blob.mime)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(blob.data)))
	_, _ = w.Write(blob.data)
}

// upload accepts a multipart envelope+binary pair and feeds both frames into
// the located stream in order.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.locate(r)
	if !ok {
		http.Error(w, "unknown stream token", http.StatusNotFound)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	form, err := r.MultipartReader()
	if err != nil {
		http.Error(w, fmt.Sprintf("multipart body required: %v", err), http.StatusBadRequest)
		return
	}
	var envData, binData []byte
	for {
		part, err := form.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(part)
		if err != nil {
			http.Error(w, fmt.Sprintf("malformed body: %v", err), http.StatusBadRequest)
			return
		}
		switch part.FormName() {
		case "envelope":
			envData = data
		case "bin":
			binData = data
		}
	}
	if envData == nil || binData == nil {
		http.Error(w, "envelope and bin parts required", http.StatusBadRequest)
		return
	}
	if err := conn.push(r.Context(), transport.Text(envData)); err != nil {
		http.Error(w, "stream gone", http.StatusConflict)
		return
	}
	if err := conn.push(r.Context(), transport.Binary(binData)); err != nil {
		http.Error(w, "stream gone", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// locate resolves the stream token from the haip query parameter or the
// X-HAIP-Stream header.
func (h *Handler) locate(r *http.Request) (*Conn, bool) {
	token := r.URL.Query().Get("haip")
	if token == "" {
		token = r.Header.Get("X-HAIP-Stream")
	}
	if token == "" {
		return nil, false
	}
	return h.conns.Get(token)
}

func writeEvent(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// Package server exposes the protocol engine over HTTP: the websocket,
// push+post and chunked stream endpoints, plus health, stats and metrics.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/haipio/haip"
	"github.com/haipio/haip/auth"
	"github.com/haipio/haip/engine"
	"github.com/haipio/haip/internal/collection"
	"github.com/haipio/haip/metrics"
	"github.com/haipio/haip/transport"
	"github.com/haipio/haip/transport/server/sse"
	"github.com/haipio/haip/transport/server/streaming"
	"github.com/haipio/haip/transport/server/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server wires the engine to the HTTP endpoint set.
type Server struct {
	cfg       *Config
	log       zerolog.Logger
	engine    *engine.Engine
	metrics   *metrics.Prometheus
	validator auth.Validator
	tickets   auth.TicketStore
	limiter   *ipLimiter
	handler   http.Handler
	server    http.Server

	registry  *engine.Registry
	events    *engine.Events
	engineCfg *engine.Config
}

// Option customises the server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithRegistry sets the tool registry advertised to clients.
func WithRegistry(registry *engine.Registry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithEvents registers observable callbacks.
func WithEvents(events *engine.Events) Option {
	return func(s *Server) { s.events = events }
}

// WithValidator overrides the token validator. The default is HS256 with the
// configured secret; a nil validator with an empty secret disables auth.
func WithValidator(validator auth.Validator) Option {
	return func(s *Server) { s.validator = validator }
}

// WithEngineConfig overrides the derived engine configuration.
func WithEngineConfig(cfg engine.Config) Option {
	return func(s *Server) { s.engineCfg = &cfg }
}

// New creates a server from the configuration.
func New(cfg *Config, options ...Option) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	s := &Server{
		cfg:     cfg,
		log:     haip.NewLogger(nil).Level(level),
		limiter: newIPLimiter(rate.Limit(cfg.AcceptRate), cfg.AcceptBurst),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.validator == nil && cfg.JWTSecret != "" {
		s.validator = auth.NewHS256(cfg.JWTSecret, cfg.JWTIssuer, cfg.TokenLifetime)
	}
	s.tickets = newTicketStore(cfg)
	if s.validator != nil {
		// resume tickets ride the same bearer slot as signed tokens
		s.validator = &ticketValidator{signed: s.validator, tickets: s.tickets}
	}
	if cfg.MetricsEnabled {
		s.metrics = metrics.NewPrometheus("haip")
	}

	engineCfg := s.deriveEngineConfig()
	engineOptions := []engine.Option{engine.WithLogger(s.log)}
	if s.registry != nil {
		engineOptions = append(engineOptions, engine.WithRegistry(s.registry))
	}
	if s.events != nil {
		engineOptions = append(engineOptions, engine.WithEvents(s.events))
	}
	if s.metrics != nil {
		engineOptions = append(engineOptions, engine.WithMetrics(s.metrics))
	}
	s.engine = engine.New(engine.RoleServer, engineCfg, engineOptions...)
	s.handler = s.buildMux()
	return s, nil
}

func (s *Server) deriveEngineConfig() engine.Config {
	if s.engineCfg != nil {
		return *s.engineCfg
	}
	cfg := engine.DefaultConfig()
	cfg.HandshakeTimeout = s.cfg.HandshakeTimeout
	cfg.HeartbeatInterval = s.cfg.HeartbeatInterval
	cfg.HeartbeatTimeout = s.cfg.HeartbeatTimeout
	cfg.ReplayWindowSize = s.cfg.ReplayWindowSize
	cfg.ReplayWindowTime = s.cfg.ReplayWindowTime
	cfg.MaxConcurrentRuns = s.cfg.MaxConcurrentRuns
	cfg.Flow.Enabled = s.cfg.FlowEnabled
	cfg.Flow.Adaptive = s.cfg.FlowAdaptive
	return cfg
}

// Engine exposes the underlying protocol engine.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Handler returns the HTTP handler with every endpoint mounted.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildMux() http.Handler {
	base := s.cfg.BasePath
	mux := http.NewServeMux()

	wsHandler := ws.NewHandler(s.serveConn, ws.WithLogger(s.log))
	sseHandler := sse.NewHandler(s.serveConn, sse.WithLogger(s.log), sse.WithBasePath(base))
	streamHandler := streaming.NewHandler(s.serveConn, streaming.WithLogger(s.log))

	mux.Handle(base+"/websocket", s.limit(s.authed(wsHandler)))
	mux.Handle(base+"/stream", s.limit(s.authed(streamHandler)))
	mux.Handle(base+"/sse", s.limit(s.authed(http.HandlerFunc(sseHandler.Stream))))
	mux.Handle(base+"/handshake", s.authed(http.HandlerFunc(sseHandler.Handshake)))
	mux.Handle(base+"/message", s.authed(http.HandlerFunc(sseHandler.Message)))
	mux.Handle(base+"/bin", s.authed(http.HandlerFunc(sseHandler.Binary)))
	mux.Handle(base+"/ticket", s.authed(http.HandlerFunc(s.handleTicket)))

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) serveConn(ctx context.Context, conn transport.Conn) {
	if _, err := s.engine.ServeConn(ctx, conn); err != nil {
		s.log.Debug().Err(err).Str("transport", conn.Kind()).Msg("connection rejected")
	}
}

func (s *Server) authed(next http.Handler) http.Handler {
	if s.validator == nil {
		return next
	}
	return auth.Middleware(s.validator, next)
}

func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": s.engine.SessionCount(),
	})
}

// sessionStats is one row of the /stats response.
type sessionStats struct {
	ID            string                  `json:"id"`
	State         string                  `json:"state"`
	CreatedAt     time.Time               `json:"created_at"`
	LastSeq       uint64                  `json:"last_seq"`
	LastDelivered uint64                  `json:"last_delivered"`
	ActiveRuns    int                     `json:"active_runs"`
	InflightTools int                     `json:"inflight_tools"`
	Credits       []engine.CreditSnapshot `json:"credits"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.Sessions()
	stats := make([]sessionStats, 0, len(sessions))
	for _, session := range sessions {
		stats = append(stats, sessionStats{
			ID:            session.ID,
			State:         stateName(session.State()),
			CreatedAt:     session.CreatedAt(),
			LastSeq:       session.LastOutboundSeq(),
			LastDelivered: session.LastDeliveredSeq(),
			ActiveRuns:    session.ActiveRuns(),
			InflightTools: session.InflightToolCalls(),
			Credits:       session.Credits(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"sessions": stats,
	})
}

func stateName(state engine.SessionState) string {
	switch state {
	case engine.SessionActive:
		return "active"
	case engine.SessionDetached:
		return "detached"
	default:
		return "closed"
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	s.server.Addr = s.cfg.Addr
	s.server.Handler = s.handler
	s.server.ReadHeaderTimeout = 10 * time.Second
	s.log.Info().Str("addr", s.cfg.Addr).Msg("haip server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, closes active sessions and waits for
// in-flight handlers up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if cerr := s.engine.Close(); err == nil {
		err = cerr
	}
	return err
}

// ipLimiter tracks one token bucket per client address.
type ipLimiter struct {
	limiters *collection.SyncMap[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	if r <= 0 {
		r = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &ipLimiter{limiters: collection.NewSyncMap[string, *rate.Limiter](), rate: r, burst: burst}
}

func (l *ipLimiter) allow(host string) bool {
	limiter, ok := l.limiters.Get(host)
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters.Put(host, limiter)
	}
	return limiter.Allow()
}

package server

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds the server façade configuration.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Listener
	Addr     string `env:"HAIP_ADDR" envDefault:":8080"`
	BasePath string `env:"HAIP_BASE_PATH" envDefault:"/haip"`

	// Auth. Empty secret disables token checking; endpoints are then open.
	JWTSecret     string        `env:"HAIP_JWT_SECRET"`
	JWTIssuer     string        `env:"HAIP_JWT_ISSUER" envDefault:"haip"`
	TokenLifetime time.Duration `env:"HAIP_TOKEN_LIFETIME" envDefault:"1h"`

	// Per-IP accept limiting on connection-establishing endpoints.
	AcceptRate  float64 `env:"HAIP_ACCEPT_RATE" envDefault:"5"`
	AcceptBurst int     `env:"HAIP_ACCEPT_BURST" envDefault:"10"`

	// Protocol tunables forwarded to the engine.
	HandshakeTimeout  time.Duration `env:"HAIP_HANDSHAKE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HAIP_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HAIP_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	ReplayWindowSize  int           `env:"HAIP_REPLAY_WINDOW_SIZE" envDefault:"1000"`
	ReplayWindowTime  time.Duration `env:"HAIP_REPLAY_WINDOW_TIME" envDefault:"5m"`
	MaxConcurrentRuns int           `env:"HAIP_MAX_CONCURRENT_RUNS" envDefault:"4"`
	FlowEnabled       bool          `env:"HAIP_FLOW_ENABLED" envDefault:"true"`
	FlowAdaptive      bool          `env:"HAIP_FLOW_ADAPTIVE" envDefault:"false"`

	// Observability
	MetricsEnabled bool   `env:"HAIP_METRICS_ENABLED" envDefault:"true"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	// Optional Redis for the resume-ticket store. Empty keeps tickets in
	// memory, which is fine for single-instance deployments.
	RedisAddr string `env:"HAIP_REDIS_ADDR"`
}

// LoadConfig reads configuration from an optional .env file and the
// environment. Priority: environment variables over .env file over defaults.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using environment only")
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HAIP_ADDR must not be empty")
	}
	if c.BasePath == "" || c.BasePath[0] != '/' {
		return fmt.Errorf("HAIP_BASE_PATH must start with '/': %q", c.BasePath)
	}
	if c.AcceptRate <= 0 {
		return fmt.Errorf("HAIP_ACCEPT_RATE must be positive: %v", c.AcceptRate)
	}
	if c.AcceptBurst <= 0 {
		return fmt.Errorf("HAIP_ACCEPT_BURST must be positive: %d", c.AcceptBurst)
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HAIP_HANDSHAKE_TIMEOUT must be positive: %v", c.HandshakeTimeout)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return nil
}

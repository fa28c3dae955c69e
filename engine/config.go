// Package engine implements the HAIP protocol engine shared by the server
// and client endpoints: envelope sequencing and acknowledgement, the replay
// window, credit-based flow control, run and tool-call lifecycle, session
// management and the reader/writer dispatch loops.
package engine

import (
	"time"

	"github.com/haipio/haip"
)

// Role selects endpoint behaviour: the server assigns session and run
// identifiers and answers handshakes; the client initiates them.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// String implements fmt.Stringer.
func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ChannelCredit is the credit pool sizing for one channel.
type ChannelCredit struct {
	Messages int64
	Bytes    int64
}

// FlowConfig configures the credit-based flow controller.
type FlowConfig struct {
	// Enabled turns credit accounting on. When off, every send is admitted.
	Enabled bool
	// Adaptive scales receiver-side grants with observed throughput.
	Adaptive bool
	// Initial credit per channel; channels absent from the map fall back to
	// the protocol defaults.
	Initial map[haip.Channel]ChannelCredit
	// MinCreditMessages/MaxCreditMessages bound adaptive grant sizing and the
	// pool cap. Zero values take protocol defaults.
	MinCreditMessages int64
	MaxCreditMessages int64
	MinCreditBytes    int64
	MaxCreditBytes    int64
	// LowWater is the pool fraction below which the receiver issues a grant
	// and the sender requests one.
	LowWater float64
}

// Config carries the tunables of a protocol engine.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	MaxConcurrentRuns int

	ReplayWindowSize int
	ReplayWindowTime time.Duration

	// MaxDeferred bounds the per-channel queue of envelopes deferred by a
	// paused channel or exhausted credit; overflow fails the send.
	MaxDeferred int

	// ViolationThreshold is the number of peer protocol violations tolerated
	// before the transport is closed.
	ViolationThreshold int

	// ToolTimeout forcibly terminates a tool call with ERROR when no terminal
	// envelope was produced in time.
	ToolTimeout time.Duration

	// AckDebtLimit and AckFlushInterval drive opportunistic dedicated ACK
	// envelopes when no outbound traffic piggybacks the ack.
	AckDebtLimit     int
	AckFlushInterval time.Duration

	// OutboundQueueSize is the writer queue depth per session.
	OutboundQueueSize int

	// AcceptEvents restricts the inbound event set. Empty accepts the full
	// catalogue; unknown types outside the set fail with UNSUPPORTED_TYPE.
	AcceptEvents []haip.EventType

	Flow FlowConfig
}

// DefaultChannelCredits returns the protocol default credit sizing.
func DefaultChannelCredits() map[haip.Channel]ChannelCredit {
	return map[haip.Channel]ChannelCredit{
		haip.ChannelUser:     {Messages: 32, Bytes: 262144},
		haip.ChannelAgent:    {Messages: 32, Bytes: 262144},
		haip.ChannelSystem:   {Messages: 50, Bytes: 524288},
		haip.ChannelAudioIn:  {Messages: 1000, Bytes: 10485760},
		haip.ChannelAudioOut: {Messages: 1000, Bytes: 10485760},
	}
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:   10 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   5 * time.Second,
		MaxConcurrentRuns:  4,
		ReplayWindowSize:   1000,
		ReplayWindowTime:   5 * time.Minute,
		MaxDeferred:        256,
		ViolationThreshold: 5,
		ToolTimeout:        2 * time.Minute,
		AckDebtLimit:       8,
		AckFlushInterval:   500 * time.Millisecond,
		OutboundQueueSize:  256,
		Flow: FlowConfig{
			Enabled:           true,
			Adaptive:          false,
			Initial:           DefaultChannelCredits(),
			MinCreditMessages: 8,
			MaxCreditMessages: 4000,
			MinCreditBytes:    65536,
			MaxCreditBytes:    64 * 1024 * 1024,
			LowWater:          0.25,
		},
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = d.MaxConcurrentRuns
	}
	if c.ReplayWindowSize <= 0 {
		c.ReplayWindowSize = d.ReplayWindowSize
	}
	if c.ReplayWindowTime <= 0 {
		c.ReplayWindowTime = d.ReplayWindowTime
	}
	if c.MaxDeferred <= 0 {
		c.MaxDeferred = d.MaxDeferred
	}
	if c.ViolationThreshold <= 0 {
		c.ViolationThreshold = d.ViolationThreshold
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.AckDebtLimit <= 0 {
		c.AckDebtLimit = d.AckDebtLimit
	}
	if c.AckFlushInterval <= 0 {
		c.AckFlushInterval = d.AckFlushInterval
	}
	if c.OutboundQueueSize <= 0 {
		c.OutboundQueueSize = d.OutboundQueueSize
	}
	if c.Flow.Initial == nil {
		c.Flow.Initial = DefaultChannelCredits()
	}
	if c.Flow.MinCreditMessages <= 0 {
		c.Flow.MinCreditMessages = d.Flow.MinCreditMessages
	}
	if c.Flow.MaxCreditMessages <= 0 {
		c.Flow.MaxCreditMessages = d.Flow.MaxCreditMessages
	}
	if c.Flow.MinCreditBytes <= 0 {
		c.Flow.MinCreditBytes = d.Flow.MinCreditBytes
	}
	if c.Flow.MaxCreditBytes <= 0 {
		c.Flow.MaxCreditBytes = d.Flow.MaxCreditBytes
	}
	if c.Flow.LowWater <= 0 || c.Flow.LowWater >= 1 {
		c.Flow.LowWater = d.Flow.LowWater
	}
}

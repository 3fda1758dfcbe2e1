package session

import (
	"time"

	"github.com/danmuck/edgebus/internal/protocol/frame"
)

// MinReceiveTimeout is the floor for the receive poll window.
const MinReceiveTimeout = 500 * time.Millisecond

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// JitterFactor is the largest fraction of the delay the jitter may add
	// or remove. Zero disables jitter.
	JitterFactor float64
}

type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig controls TLS on the bridge transport.
type TLSConfig struct {
	Enabled            bool
	Mutual             bool
	InsecureSkipVerify bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
}

// Config defines bridge connection defaults.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// ReceiveTimeout bounds each receive poll on the raw socket; the loop
	// re-checks the connection state every time it elapses.
	ReceiveTimeout time.Duration
	// ReplyTimeout is the default budget for a send that waits on a reply.
	ReplyTimeout time.Duration
	// PingInterval is the keep-alive period. Zero disables keep-alive.
	PingInterval time.Duration

	Reconnect bool
	// MaxReconnectAttempts caps consecutive reconnect attempts; zero means
	// unbounded.
	MaxReconnectAttempts int
	Backoff              BackoffConfig

	Limits       frame.Limits
	SecurityMode SecurityMode
	TLS          TLSConfig
}

// DefaultConfig returns the bridge client defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		ReceiveTimeout: time.Second,
		ReplyTimeout:   10 * time.Second,
		PingInterval:   5 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			JitterFactor: 0.5,
		},
		Limits:       frame.DefaultLimits(),
		SecurityMode: SecurityModeDevelopment,
	}
}

// WithDefaults fills unset durations and limits. PingInterval and the
// reconnect switches are left as given.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.ReceiveTimeout < MinReceiveTimeout {
		c.ReceiveTimeout = MinReceiveTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.PingInterval < 0 {
		c.PingInterval = 0
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier < 1.0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		c.Backoff.MaxDelay = c.Backoff.InitialDelay
	}
	if c.Backoff.JitterFactor < 0 {
		c.Backoff.JitterFactor = 0
	}
	if c.Backoff.JitterFactor > 1 {
		c.Backoff.JitterFactor = 1
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	if c.SecurityMode == "" {
		c.SecurityMode = def.SecurityMode
	}
	return c
}

// ShouldReconnect reports whether another attempt is allowed after
// attempts consecutive failures.
func (c Config) ShouldReconnect(attempts int) bool {
	if !c.Reconnect {
		return false
	}
	if c.MaxReconnectAttempts <= 0 {
		return true
	}
	return attempts < c.MaxReconnectAttempts
}

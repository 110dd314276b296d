// Package config loads the bridge configuration from environment variables.
//
// The .env bootstrap (if any) happens in main via godotenv before Load is
// called; this package only reads the process environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Session eviction policies applied when a token reaches MaxSessionsPerToken.
const (
	// EvictionCloseOldest closes the token's oldest session to admit the new one.
	EvictionCloseOldest = "close_oldest"
	// EvictionReject refuses the new session and keeps existing ones.
	EvictionReject = "reject"
)

// Config holds all runtime settings for the bridge.
type Config struct {
	// HTTPPort is the listen port for the combined MCP + socket + callback surface.
	HTTPPort string `env:"TRESTLE_HTTP_PORT" envDefault:"8424"`

	// ServerName, ServerDescription and ServerIcon populate the MCP serverInfo
	// handshake and the GET / info endpoint. ServerIcon is an optional
	// pre-encoded data URI; the bridge never fetches or encodes icons itself.
	ServerName        string `env:"TRESTLE_SERVER_NAME" envDefault:"trestle"`
	ServerDescription string `env:"TRESTLE_SERVER_DESCRIPTION" envDefault:"Bridge between browser sessions and MCP clients"`
	ServerIcon        string `env:"TRESTLE_SERVER_ICON"`

	// AgentURL is the base URL of the external agent that executes queries.
	// When empty, frontend query messages are rejected with "Missing Agent URL".
	AgentURL string `env:"TRESTLE_AGENT_URL"`
	// AgentToken is sent as a bearer token on agent PUT/DELETE calls when set.
	AgentToken string `env:"TRESTLE_AGENT_TOKEN"`

	// MaxSessionsPerToken caps concurrent frontend sessions per auth token.
	// Zero means unlimited.
	MaxSessionsPerToken int `env:"TRESTLE_MAX_SESSIONS_PER_TOKEN"`
	// SessionEvictionPolicy decides what happens at the cap: close_oldest or reject.
	SessionEvictionPolicy string `env:"TRESTLE_SESSION_EVICTION_POLICY" envDefault:"reject"`
	// SessionMaxDuration closes frontend sessions older than this.
	// Zero disables the expiry sweep entirely.
	SessionMaxDuration time.Duration `env:"TRESTLE_SESSION_MAX_DURATION"`

	// MaxQueriesPerToken caps in-flight queries per auth token. Zero means unlimited.
	MaxQueriesPerToken int `env:"TRESTLE_MAX_QUERIES_PER_TOKEN"`

	// RPCRatePerToken enables per-token rate limiting of JSON-RPC POSTs when > 0
	// (requests per second); RPCRateBurst is the bucket size.
	RPCRatePerToken float64 `env:"TRESTLE_RPC_RATE_PER_TOKEN"`
	RPCRateBurst    int     `env:"TRESTLE_RPC_RATE_BURST" envDefault:"20"`

	// SocketWriteTimeout bounds each write to a frontend socket.
	SocketWriteTimeout time.Duration `env:"TRESTLE_SOCKET_WRITE_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that have no sensible interpretation.
func (c *Config) Validate() error {
	if c.MaxSessionsPerToken < 0 {
		return fmt.Errorf("TRESTLE_MAX_SESSIONS_PER_TOKEN must be >= 0, got %d", c.MaxSessionsPerToken)
	}
	if c.MaxQueriesPerToken < 0 {
		return fmt.Errorf("TRESTLE_MAX_QUERIES_PER_TOKEN must be >= 0, got %d", c.MaxQueriesPerToken)
	}
	if c.SessionMaxDuration < 0 {
		return fmt.Errorf("TRESTLE_SESSION_MAX_DURATION must be >= 0, got %s", c.SessionMaxDuration)
	}
	if c.SessionEvictionPolicy != EvictionCloseOldest && c.SessionEvictionPolicy != EvictionReject {
		return fmt.Errorf("TRESTLE_SESSION_EVICTION_POLICY must be %q or %q, got %q",
			EvictionCloseOldest, EvictionReject, c.SessionEvictionPolicy)
	}
	if c.RPCRatePerToken < 0 {
		return fmt.Errorf("TRESTLE_RPC_RATE_PER_TOKEN must be >= 0, got %v", c.RPCRatePerToken)
	}
	if c.RPCRatePerToken > 0 && c.RPCRateBurst < 1 {
		return fmt.Errorf("TRESTLE_RPC_RATE_BURST must be >= 1 when rate limiting is enabled, got %d", c.RPCRateBurst)
	}
	if c.SocketWriteTimeout <= 0 {
		return fmt.Errorf("TRESTLE_SOCKET_WRITE_TIMEOUT must be > 0, got %s", c.SocketWriteTimeout)
	}
	return nil
}

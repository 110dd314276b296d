package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8424", cfg.HTTPPort)
	assert.Equal(t, "trestle", cfg.ServerName)
	assert.Equal(t, EvictionReject, cfg.SessionEvictionPolicy)
	assert.Equal(t, 0, cfg.MaxSessionsPerToken)
	assert.Equal(t, time.Duration(0), cfg.SessionMaxDuration)
	assert.Equal(t, 10*time.Second, cfg.SocketWriteTimeout)
	assert.Zero(t, cfg.RPCRatePerToken)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TRESTLE_HTTP_PORT", "9000")
	t.Setenv("TRESTLE_AGENT_URL", "http://agent.internal:8001")
	t.Setenv("TRESTLE_MAX_SESSIONS_PER_TOKEN", "3")
	t.Setenv("TRESTLE_SESSION_EVICTION_POLICY", "close_oldest")
	t.Setenv("TRESTLE_SESSION_MAX_DURATION", "2h")
	t.Setenv("TRESTLE_MAX_QUERIES_PER_TOKEN", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, "http://agent.internal:8001", cfg.AgentURL)
	assert.Equal(t, 3, cfg.MaxSessionsPerToken)
	assert.Equal(t, EvictionCloseOldest, cfg.SessionEvictionPolicy)
	assert.Equal(t, 2*time.Hour, cfg.SessionMaxDuration)
	assert.Equal(t, 5, cfg.MaxQueriesPerToken)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			HTTPPort:              "8424",
			SessionEvictionPolicy: EvictionReject,
			RPCRateBurst:          20,
			SocketWriteTimeout:    10 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "negative session cap",
			mutate:  func(c *Config) { c.MaxSessionsPerToken = -1 },
			wantErr: "TRESTLE_MAX_SESSIONS_PER_TOKEN",
		},
		{
			name:    "negative query cap",
			mutate:  func(c *Config) { c.MaxQueriesPerToken = -2 },
			wantErr: "TRESTLE_MAX_QUERIES_PER_TOKEN",
		},
		{
			name:    "negative max duration",
			mutate:  func(c *Config) { c.SessionMaxDuration = -time.Second },
			wantErr: "TRESTLE_SESSION_MAX_DURATION",
		},
		{
			name:    "unknown eviction policy",
			mutate:  func(c *Config) { c.SessionEvictionPolicy = "fifo" },
			wantErr: "TRESTLE_SESSION_EVICTION_POLICY",
		},
		{
			name:    "rate limit without burst",
			mutate:  func(c *Config) { c.RPCRatePerToken = 5; c.RPCRateBurst = 0 },
			wantErr: "TRESTLE_RPC_RATE_BURST",
		},
		{
			name:    "zero write timeout",
			mutate:  func(c *Config) { c.SocketWriteTimeout = 0 },
			wantErr: "TRESTLE_SOCKET_WRITE_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

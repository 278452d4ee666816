package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5, cfg.Optimizer.PatternThreshold)
	assert.Equal(t, 0.8, cfg.Optimizer.ConfidenceThreshold)
	assert.Equal(t, 1.5, cfg.Optimizer.TTLMultiplier)
	assert.Equal(t, 3, cfg.Lock.MaxAttempts)
	assert.Equal(t, 3, cfg.HealthCheck.UnhealthyThreshold)
	assert.Equal(t, 2, cfg.HealthCheck.HealthyThreshold)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing node id", func(c *Config) { c.Server.NodeID = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"zero lock ttl", func(c *Config) { c.TTL.Lock = 0 }},
		{"heartbeat slower than node ttl", func(c *Config) { c.Session.HeartbeatInterval = time.Minute }},
		{"confidence out of range", func(c *Config) { c.Optimizer.ConfidenceThreshold = 1.2 }},
		{"shrinking multiplier", func(c *Config) { c.Optimizer.TTLMultiplier = 0.5 }},
		{"no lock attempts", func(c *Config) { c.Lock.MaxAttempts = 0 }},
		{"lock retries outlast half ttl", func(c *Config) {
			c.TTL.Lock = 4 * time.Second
			c.Lock.MaxAttempts = 5
			c.Lock.MaxBackoff = time.Second
		}},
		{"timeout above interval", func(c *Config) { c.HealthCheck.Timeout = time.Hour }},
		{"archive without dsn", func(c *Config) { c.Postgres.Enabled = true }},
		{"unknown prober", func(c *Config) { c.HealthCheck.Prober = "ping" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_MemoryTransportNeedsNoRedis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.Kind = "memory"
	cfg.Redis.Host = ""
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	dir := t.TempDir()

	inventory := filepath.Join(dir, "inventory.yaml")
	require.NoError(t, os.WriteFile(inventory, []byte(`
nodes:
  - id: standby-1
    address: 10.0.0.5:9000
  - address: 10.0.0.6:9000
`), 0o600))

	path := filepath.Join(dir, "coord.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  node_id: file-node
  port: 9100
optimizer:
  pattern_threshold: 7
circuit_breaker:
  failure_threshold: 3
  reset_timeout: 5s
  half_open_max_requests: 1
failover:
  fallback_nodes: ["10.0.0.6:9000"]
  inventory_file: `+inventory+`
`), 0o600))

	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "file-node", cfg.Server.NodeID)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Optimizer.PatternThreshold)
	assert.Equal(t, 5*time.Second, cfg.CircuitBreaker.ResetTimeout)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// unspecified values keep their defaults
	assert.Equal(t, 0.8, cfg.Optimizer.ConfidenceThreshold)
	assert.Equal(t, []string{"10.0.0.6:9000", "standby-1=10.0.0.5:9000"}, cfg.Failover.FallbackNodes)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("COORD_NODE_ID", "env-node")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Server.NodeID)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestParseFallbackNode(t *testing.T) {
	id, addr := ParseFallbackNode("standby=10.0.0.1:80")
	assert.Equal(t, "standby", id)
	assert.Equal(t, "10.0.0.1:80", addr)

	id, addr = ParseFallbackNode("10.0.0.2:80")
	assert.Equal(t, "10.0.0.2:80", id)
	assert.Equal(t, "10.0.0.2:80", addr)
}

package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/balancer"
	"github.com/devrev/meshcoord/internal/config"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/store"
)

func TestBalancerConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Failover.FallbackNodes = []string{"standby-1=10.0.0.5:9000", "10.0.0.6:9000"}

	bc := balancerConfig(cfg)
	assert.Equal(t, cfg.HealthCheck.UnhealthyThreshold, bc.UnhealthyThreshold)
	assert.Equal(t, cfg.Thresholds.CPU, bc.Thresholds.CPU)
	assert.Equal(t, cfg.Routing.Weights.ErrorRate, bc.Weights.ErrorRate)
	assert.Equal(t, cfg.CircuitBreaker.ResetTimeout, bc.Breaker.ResetTimeout)
	assert.Equal(t, []balancer.Target{
		{NodeID: "standby-1", Address: "10.0.0.5:9000"},
		{NodeID: "10.0.0.6:9000", Address: "10.0.0.6:9000"},
	}, bc.Failover.FallbackNodes)
}

func TestNewProber(t *testing.T) {
	kv := store.NewInMemoryStore(zap.NewNop())
	defer kv.Close()

	p, closeFn, err := newProber("kv", kv, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &balancer.KVProber{}, p)
	assert.NoError(t, closeFn())

	p, closeFn, err = newProber("chain", kv, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, balancer.ChainProber{}, p)
	assert.NoError(t, closeFn())

	_, _, err = newProber("ping", kv, zap.NewNop())
	assert.Error(t, err)
}

func TestNewBackends_Memory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = "memory"

	kv, transport, err := newBackends(cfg, metrics.NewNop(), zap.NewNop())
	require.NoError(t, err)
	defer kv.Close()
	defer transport.Close()

	assert.NoError(t, kv.Ping(context.Background()))
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = newLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestAdvertiseAddr(t *testing.T) {
	assert.Equal(t, "10.1.1.1:7000", advertiseAddr(config.ServerConfig{AdvertiseAddr: "10.1.1.1:7000"}))
	assert.Equal(t, "coord.local:8090", advertiseAddr(config.ServerConfig{Host: "coord.local", Port: 8090}))
}

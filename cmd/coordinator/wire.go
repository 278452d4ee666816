package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/meshcoord/internal/balancer"
	"github.com/devrev/meshcoord/internal/config"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/pubsub"
	"github.com/devrev/meshcoord/internal/store"
)

// newLogger builds a JSON production logger or a console development logger
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

// newBackends connects the KV store and the pub/sub transport selected by
// transport.kind. The memory kind keeps everything in process.
func newBackends(cfg *config.Config, sink metrics.Sink, logger *zap.Logger) (store.KVStore, pubsub.Transport, error) {
	if cfg.Transport.Kind == "memory" {
		logger.Warn("Using in-process store and transport; state is not shared with other nodes")
		return store.NewInMemoryStore(logger), pubsub.NewHub().Transport(logger), nil
	}

	kv, err := store.NewRedisStore(store.RedisOptions{
		Addr:             cfg.RedisAddr(),
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		PoolSize:         cfg.Redis.PoolSize,
		MinIdleConns:     cfg.Redis.MinIdleConns,
		DialTimeout:      cfg.Redis.DialTimeout,
		OperationTimeout: cfg.Redis.OperationTimeout,
		MaxRetries:       cfg.Redis.MaxRetries,
		RetryBackoff:     cfg.Redis.RetryBackoff,
		LatencySamples:   cfg.Redis.LatencySamples,
	}, sink, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis store: %w", err)
	}
	logger.Info("KV store initialized", zap.String("address", cfg.RedisAddr()))

	switch cfg.Transport.Kind {
	case "gossip":
		t, err := pubsub.NewGossipTransport(pubsub.GossipConfig{
			NodeID:   cfg.Server.NodeID,
			BindAddr: cfg.Transport.GossipBind,
			BindPort: cfg.Transport.GossipPort,
			Seeds:    cfg.Transport.Seeds,
		}, logger)
		if err != nil {
			kv.Close()
			return nil, nil, fmt.Errorf("failed to initialize gossip transport: %w", err)
		}
		logger.Info("Gossip transport initialized",
			zap.String("local_addr", t.LocalAddr()),
			zap.Int("members", len(t.Members())))
		return kv, t, nil
	default:
		return kv, pubsub.NewRedisTransport(kv.Client(), logger), nil
	}
}

// newProber returns the balancer prober named by health_check.prober and a
// func releasing its connections
func newProber(kind string, kv store.KVStore, logger *zap.Logger) (balancer.Prober, func() error, error) {
	noop := func() error { return nil }
	switch kind {
	case "", "kv":
		return balancer.NewKVProber(kv), noop, nil
	case "grpc":
		p := balancer.NewGRPCProber("", logger)
		return p, p.Close, nil
	case "chain":
		p := balancer.NewGRPCProber("", logger)
		return balancer.ChainProber{balancer.NewKVProber(kv), p}, p.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown health_check.prober %q (want kv, grpc or chain)", kind)
	}
}

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/meshcoord/internal/balancer"
	"github.com/devrev/meshcoord/internal/cache"
	"github.com/devrev/meshcoord/internal/config"
	"github.com/devrev/meshcoord/internal/health"
	"github.com/devrev/meshcoord/internal/hoststats"
	"github.com/devrev/meshcoord/internal/httpapi"
	"github.com/devrev/meshcoord/internal/lock"
	"github.com/devrev/meshcoord/internal/metrics"
	"github.com/devrev/meshcoord/internal/model"
	"github.com/devrev/meshcoord/internal/optimizer"
	"github.com/devrev/meshcoord/internal/session"
	"github.com/devrev/meshcoord/internal/store"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting meshcoord coordinator",
		zap.String("node_id", cfg.Server.NodeID),
		zap.Int("port", cfg.Server.Port),
		zap.String("transport", cfg.Transport.Kind),
		zap.String("prober", cfg.HealthCheck.Prober))

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Coordinator exited with error", zap.Error(err))
	}
	logger.Info("Coordinator stopped")
}

const defaultShutdownTimeout = 30 * time.Second

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var sink metrics.Sink = metrics.NewNop()
	if cfg.Metrics.Enabled {
		sink = metrics.NewMetrics(reg)
	}

	kv, transport, err := newBackends(cfg, sink, logger)
	if err != nil {
		return err
	}
	defer kv.Close()
	defer transport.Close()

	var archive store.SessionArchive
	if cfg.Postgres.Enabled {
		a, err := store.NewPostgresSessionArchive(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConnections, cfg.Postgres.Table, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize session archive: %w", err)
		}
		defer a.Close()
		archive = a
		logger.Info("Session archive initialized", zap.String("table", cfg.Postgres.Table))
	}

	cacheCoord := cache.NewCoordinator(kv, cache.Config{
		KeyPrefix:     cfg.Cache.KeyPrefix,
		DefaultTTL:    cfg.TTL.Cache,
		MaxKeys:       cfg.Cache.MaxKeys,
		SweepInterval: cfg.Cache.SweepInterval,
	}, sink, logger)

	var opt *optimizer.Optimizer
	if cfg.Optimizer.Enabled {
		opt = optimizer.New(cacheCoord, optimizer.Config{
			PatternThreshold:    cfg.Optimizer.PatternThreshold,
			AnalysisInterval:    cfg.Optimizer.AnalysisInterval,
			WarmInterval:        cfg.Optimizer.WarmInterval,
			ConfidenceThreshold: cfg.Optimizer.ConfidenceThreshold,
			TTLMultiplier:       cfg.Optimizer.TTLMultiplier,
			MaxConcurrentWarm:   cfg.Optimizer.MaxConcurrentWarm,
			WarmRate:            cfg.Optimizer.WarmRate,
			RecentWindow:        cfg.Optimizer.RecentWindow,
			EventBuffer:         cfg.Cache.EventBuffer,
		}, sink, logger)
	}

	locker := lock.NewLocker(kv, lock.Config{
		NodeID:      cfg.Server.NodeID,
		TTL:         cfg.TTL.Lock,
		MaxAttempts: cfg.Lock.MaxAttempts,
		BaseBackoff: cfg.Lock.BaseBackoff,
		MaxBackoff:  cfg.Lock.MaxBackoff,
	}, sink, logger)

	load := hoststats.NewLoadTracker()
	collector := hoststats.NewCollector(load, logger)

	sessionOpts := []session.Option{session.WithMetricsSource(collector)}
	if archive != nil {
		sessionOpts = append(sessionOpts, session.WithArchive(archive))
	}
	sessions, err := session.NewCoordinator(kv, locker, transport, session.Config{
		NodeID:            cfg.Server.NodeID,
		Address:           advertiseAddr(cfg.Server),
		SessionTTL:        cfg.TTL.Session,
		CompletedTTL:      cfg.TTL.CompletedSession,
		NodeTTL:           cfg.TTL.Node,
		Channel:           cfg.Session.Channel,
		HeartbeatChannel:  cfg.Session.HeartbeatChannel,
		HeartbeatInterval: cfg.Session.HeartbeatInterval,
		LocalCacheSize:    cfg.Session.LocalCacheSize,
	}, sink, logger, sessionOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize session coordinator: %w", err)
	}

	prober, closeProber, err := newProber(cfg.HealthCheck.Prober, kv, logger)
	if err != nil {
		return err
	}
	lb := balancer.New(prober, kv, balancerConfig(cfg), sink, logger)

	checker := health.NewChecker(cfg.HealthCheck.Timeout, logger)
	checker.Register("kv_store", kv.Ping)
	if archive != nil {
		checker.Register("session_archive", archive.Ping)
	}

	deps := httpapi.Deps{
		Health:      checker,
		Balancer:    lb,
		Sessions:    sessions,
		Load:        load,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		MetricsPath: cfg.Metrics.Path,
	}
	if !cfg.Metrics.Enabled {
		deps.Metrics = nil
	}
	if opt != nil {
		deps.Optimizer = opt
	}
	server := httpapi.NewServer(cfg.Server, deps, logger)

	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session coordinator: %w", err)
	}
	cacheCoord.Start(ctx)
	if opt != nil {
		opt.Start(ctx)
	}
	lb.Start(ctx)
	logger.Info("All components started")

	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	serveErr := g.Wait()

	logger.Info("Shutting down gracefully")
	var result error
	if serveErr != nil {
		result = multierror.Append(result, serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := lb.Stop(timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("balancer: %w", err))
	}
	if opt != nil {
		if err := opt.Stop(timeout); err != nil {
			result = multierror.Append(result, fmt.Errorf("optimizer: %w", err))
		}
	}
	if err := cacheCoord.Stop(timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("cache: %w", err))
	}
	if err := sessions.Stop(shutdownCtx, timeout); err != nil {
		result = multierror.Append(result, fmt.Errorf("sessions: %w", err))
	}
	if err := closeProber(); err != nil {
		result = multierror.Append(result, fmt.Errorf("prober: %w", err))
	}
	return result
}

func advertiseAddr(cfg config.ServerConfig) string {
	if cfg.AdvertiseAddr != "" {
		return cfg.AdvertiseAddr
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(cfg.Port))
}

func balancerConfig(cfg *config.Config) balancer.Config {
	fallbacks := make([]balancer.Target, 0, len(cfg.Failover.FallbackNodes))
	for _, entry := range cfg.Failover.FallbackNodes {
		id, addr := config.ParseFallbackNode(entry)
		fallbacks = append(fallbacks, balancer.Target{NodeID: id, Address: addr})
	}

	t, w := cfg.Thresholds, cfg.Routing.Weights
	return balancer.Config{
		Interval:           cfg.HealthCheck.Interval,
		Timeout:            cfg.HealthCheck.Timeout,
		UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
		HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
		NodeTimeout:        cfg.HealthCheck.NodeTimeout,
		AutoDiscover:       cfg.HealthCheck.AutoDiscover,
		Thresholds: model.NodeMetrics{
			CPU:               t.CPU,
			Memory:            t.Memory,
			ActiveConnections: t.ActiveConnections,
			ErrorRate:         t.ErrorRate,
			ResponseTime:      t.ResponseTime,
		},
		Weights: model.NodeMetrics{
			CPU:               w.CPU,
			Memory:            w.Memory,
			ActiveConnections: w.ActiveConnections,
			ErrorRate:         w.ErrorRate,
			ResponseTime:      w.ResponseTime,
		},
		Breaker: balancer.BreakerConfig{
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			ResetTimeout:        cfg.CircuitBreaker.ResetTimeout,
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		},
		Failover: balancer.FailoverConfig{
			Enabled:       cfg.Failover.Enabled,
			MaxRetries:    cfg.Failover.MaxRetries,
			RetryDelay:    cfg.Failover.RetryDelay,
			FallbackNodes: fallbacks,
		},
	}
}

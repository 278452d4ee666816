package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents the coordination node configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Postgres       PostgresConfig       `mapstructure:"postgres"`
	Transport      TransportConfig      `mapstructure:"transport"`
	TTL            TTLConfig            `mapstructure:"ttl"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Optimizer      OptimizerConfig      `mapstructure:"optimizer"`
	Lock           LockConfig           `mapstructure:"lock"`
	Session        SessionConfig        `mapstructure:"session"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	Thresholds     ThresholdsConfig     `mapstructure:"thresholds"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Routing        RoutingConfig        `mapstructure:"routing"`
	Failover       FailoverConfig       `mapstructure:"failover"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig represents the node identity and admin HTTP server
type ServerConfig struct {
	NodeID          string        `mapstructure:"node_id"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	AdvertiseAddr   string        `mapstructure:"advertise_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// RedisConfig represents the KV store connection
type RedisConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	LatencySamples   int           `mapstructure:"latency_samples"`
}

// PostgresConfig represents the optional completed-session archive
type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	DSN            string `mapstructure:"dsn"`
	MaxConnections int32  `mapstructure:"max_connections"`
	Table          string `mapstructure:"table"`
}

// TransportConfig selects the pub/sub transport
type TransportConfig struct {
	Kind       string   `mapstructure:"kind"`
	GossipBind string   `mapstructure:"gossip_bind"`
	GossipPort int      `mapstructure:"gossip_port"`
	Seeds      []string `mapstructure:"seeds"`
}

// TTLConfig represents per-entity expirations
type TTLConfig struct {
	Session          time.Duration `mapstructure:"session"`
	CompletedSession time.Duration `mapstructure:"completed_session"`
	Cache            time.Duration `mapstructure:"cache"`
	Lock             time.Duration `mapstructure:"lock"`
	Node             time.Duration `mapstructure:"node"`
}

// CacheConfig represents cache coordinator configuration
type CacheConfig struct {
	KeyPrefix     string        `mapstructure:"key_prefix"`
	MaxKeys       int           `mapstructure:"max_keys"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	EventBuffer   int           `mapstructure:"event_buffer"`
}

// OptimizerConfig represents adaptive optimizer configuration
type OptimizerConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	PatternThreshold    int           `mapstructure:"pattern_threshold"`
	AnalysisInterval    time.Duration `mapstructure:"analysis_interval"`
	WarmInterval        time.Duration `mapstructure:"warm_interval"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	TTLMultiplier       float64       `mapstructure:"ttl_multiplier"`
	MaxConcurrentWarm   int           `mapstructure:"max_concurrent_warm"`
	WarmRate            float64       `mapstructure:"warm_rate"`
	RecentWindow        int           `mapstructure:"recent_window"`
}

// LockConfig represents distributed lock acquisition policy
type LockConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// SessionConfig represents session coordinator configuration
type SessionConfig struct {
	Channel           string        `mapstructure:"channel"`
	HeartbeatChannel  string        `mapstructure:"heartbeat_channel"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LocalCacheSize    int           `mapstructure:"local_cache_size"`
}

// HealthCheckConfig represents load balancer health checking
type HealthCheckConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	HealthyThreshold   int           `mapstructure:"healthy_threshold"`
	NodeTimeout        time.Duration `mapstructure:"node_timeout"`
	AutoDiscover       bool          `mapstructure:"auto_discover"`
	Prober             string        `mapstructure:"prober"`
}

// ThresholdsConfig represents per-metric warning thresholds
type ThresholdsConfig struct {
	CPU               float64 `mapstructure:"cpu"`
	Memory            float64 `mapstructure:"memory"`
	ActiveConnections float64 `mapstructure:"active_connections"`
	ErrorRate         float64 `mapstructure:"error_rate"`
	ResponseTime      float64 `mapstructure:"response_time"`
}

// CircuitBreakerConfig represents per-node breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxRequests int           `mapstructure:"half_open_max_requests"`
}

// RoutingConfig represents node scoring weights
type RoutingConfig struct {
	Weights WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig holds one weight per node metric
type WeightsConfig struct {
	CPU               float64 `mapstructure:"cpu"`
	Memory            float64 `mapstructure:"memory"`
	ActiveConnections float64 `mapstructure:"active_connections"`
	ErrorRate         float64 `mapstructure:"error_rate"`
	ResponseTime      float64 `mapstructure:"response_time"`
}

// FailoverConfig represents routing failover behaviour
type FailoverConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	FallbackNodes []string      `mapstructure:"fallback_nodes"`
	InventoryFile string        `mapstructure:"inventory_file"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Redis.Host == "" && c.Transport.Kind != "memory" {
		return errors.New("redis.host is required")
	}
	if c.Redis.OperationTimeout <= 0 {
		return errors.New("redis.operation_timeout must be positive")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when postgres is enabled")
	}
	if !isValidTransport(c.Transport.Kind) {
		return fmt.Errorf("transport.kind must be one of: redis, gossip, memory (got %q)", c.Transport.Kind)
	}
	switch c.HealthCheck.Prober {
	case "kv", "grpc", "chain":
	default:
		return fmt.Errorf("health_check.prober must be one of: kv, grpc, chain (got %q)", c.HealthCheck.Prober)
	}
	if c.TTL.Lock <= 0 || c.TTL.Session <= 0 || c.TTL.Cache <= 0 || c.TTL.Node <= 0 {
		return errors.New("ttl values must be positive")
	}
	if c.Session.HeartbeatInterval >= c.TTL.Node {
		return errors.New("session.heartbeat_interval must be shorter than ttl.node")
	}
	if c.Optimizer.PatternThreshold < 2 {
		return errors.New("optimizer.pattern_threshold must be at least 2")
	}
	if c.Optimizer.ConfidenceThreshold < 0 || c.Optimizer.ConfidenceThreshold > 1 {
		return errors.New("optimizer.confidence_threshold must be within [0,1]")
	}
	if c.Optimizer.TTLMultiplier < 1 {
		return errors.New("optimizer.ttl_multiplier must be >= 1")
	}
	if c.Lock.MaxAttempts <= 0 {
		return errors.New("lock.max_attempts must be positive")
	}
	// acquisition stops retrying at half the lock ttl
	if time.Duration(c.Lock.MaxAttempts-1)*c.Lock.MaxBackoff > c.TTL.Lock/2 {
		return fmt.Errorf("lock.max_attempts x lock.max_backoff must fit within half of ttl.lock (%s)", c.TTL.Lock/2)
	}
	if c.HealthCheck.Timeout <= 0 || c.HealthCheck.Timeout > c.HealthCheck.Interval {
		return errors.New("health_check.timeout must be positive and not exceed health_check.interval")
	}
	if c.HealthCheck.UnhealthyThreshold <= 0 || c.HealthCheck.HealthyThreshold <= 0 {
		return errors.New("health_check thresholds must be positive")
	}
	if c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.HalfOpenMaxRequests <= 0 {
		return errors.New("circuit_breaker thresholds must be positive")
	}
	if c.Failover.MaxRetries < 0 {
		return errors.New("failover.max_retries must not be negative")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidTransport checks if the transport kind is supported
func isValidTransport(kind string) bool {
	switch kind {
	case "redis", "gossip", "memory":
		return true
	default:
		return false
	}
}

// RedisAddr returns the host:port of the KV store
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			NodeID:          "coord-1",
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimit:       200,
			RateBurst:       50,
		},
		Redis: RedisConfig{
			Host:             "localhost",
			Port:             6379,
			DB:               0,
			PoolSize:         100,
			MinIdleConns:     10,
			DialTimeout:      5 * time.Second,
			OperationTimeout: 2 * time.Second,
			MaxRetries:       3,
			RetryBackoff:     50 * time.Millisecond,
			LatencySamples:   1000,
		},
		Postgres: PostgresConfig{
			Enabled:        false,
			MaxConnections: 10,
			Table:          "completed_sessions",
		},
		Transport: TransportConfig{
			Kind:       "redis",
			GossipBind: "0.0.0.0",
			GossipPort: 7946,
		},
		TTL: TTLConfig{
			Session:          24 * time.Hour,
			CompletedSession: 7 * 24 * time.Hour,
			Cache:            time.Hour,
			Lock:             30 * time.Second,
			Node:             30 * time.Second,
		},
		Cache: CacheConfig{
			KeyPrefix:     "cache:",
			MaxKeys:       100000,
			SweepInterval: time.Minute,
			EventBuffer:   4096,
		},
		Optimizer: OptimizerConfig{
			Enabled:             true,
			PatternThreshold:    5,
			AnalysisInterval:    60 * time.Second,
			WarmInterval:        60 * time.Second,
			ConfidenceThreshold: 0.8,
			TTLMultiplier:       1.5,
			MaxConcurrentWarm:   10,
			WarmRate:            100,
			RecentWindow:        10,
		},
		Lock: LockConfig{
			MaxAttempts: 3,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  time.Second,
		},
		Session: SessionConfig{
			Channel:           "session-updates",
			HeartbeatChannel:  "node-heartbeats",
			HeartbeatInterval: 10 * time.Second,
			LocalCacheSize:    10000,
		},
		HealthCheck: HealthCheckConfig{
			Interval:           10 * time.Second,
			Timeout:            5 * time.Second,
			UnhealthyThreshold: 3,
			HealthyThreshold:   2,
			NodeTimeout:        60 * time.Second,
			AutoDiscover:       true,
			Prober:             "kv",
		},
		Thresholds: ThresholdsConfig{
			CPU:               80,
			Memory:            85,
			ActiveConnections: 1000,
			ErrorRate:         0.05,
			ResponseTime:      1000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			ResetTimeout:        60 * time.Second,
			HalfOpenMaxRequests: 3,
		},
		Routing: RoutingConfig{
			Weights: WeightsConfig{
				CPU:               0.3,
				Memory:            0.2,
				ActiveConnections: 0.2,
				ResponseTime:      0.2,
				ErrorRate:         0.1,
			},
		},
		Failover: FailoverConfig{
			Enabled:    true,
			MaxRetries: 3,
			RetryDelay: time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

package domain

import "time"

// Config holds the complete pipeline configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Pipeline settings
	Detection  DetectionConfig  `json:"detection"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string  `json:"host"`
	Port           int     `json:"port"`
	ReadTimeout    int     `json:"readTimeout"`  // seconds
	WriteTimeout   int     `json:"writeTimeout"` // seconds
	RateLimitRPS   float64 `json:"rateLimitRps"` // 0 disables the limiter
	RateLimitBurst int     `json:"rateLimitBurst"`
}

// DetectionConfig tunes rule evaluation.
type DetectionConfig struct {
	MaxWorkers     int           `json:"maxWorkers"`     // concurrent predicate evaluations per case
	RuleTimeout    time.Duration `json:"ruleTimeout"`    // per predicate
	VelocityWindow time.Duration `json:"velocityWindow"` // window for velocity facts
	VelocityTTL    time.Duration `json:"velocityTtl"`    // cache TTL of velocity facts
}

// DispatcherConfig tunes the outbox dispatcher loop.
type DispatcherConfig struct {
	Shards    []string      `json:"shards"`
	Interval  time.Duration `json:"interval"`
	BatchSize int           `json:"batchSize"`

	// SENT rows older than this with no ledger entry or dead letter are enqueued again.
	// Zero disables the sweep.
	ReclaimAfter time.Duration `json:"reclaimAfter"`
}

// WorkerConfig tunes the detect task retry policy.
type WorkerConfig struct {
	Shards         []string      `json:"shards"`
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// MetricsConfig holds Prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			RateLimitRPS:   0,
			RateLimitBurst: 50,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fds.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSStream:        "FDS_TASKS",
			NATSAckWait:       300,
			NATSMaxDeliver:    20,
		},
		Detection: DetectionConfig{
			MaxWorkers:     16,
			RuleTimeout:    200 * time.Millisecond,
			VelocityWindow: time.Hour,
			VelocityTTL:    5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			Shards:       []string{DefaultShard},
			Interval:     time.Second,
			BatchSize:    500,
			ReclaimAfter: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			Shards:         []string{DefaultShard},
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fds",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "fds",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fds",
		MaxOpenConns: 25,
		MaxIdleConns: 5,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "fds-workers",
		NATSStream:        "FDS_TASKS",
		NATSAckWait:       300,
		NATSMaxDeliver:    20,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

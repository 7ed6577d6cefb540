// Package config builds the pipeline configuration from the tier defaults and
// FDS_* environment variables. A .env file in the working directory or any parent
// is loaded first.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/allisson/go-env"
	"github.com/joho/godotenv"
	"github.com/opensource-finance/fds/internal/domain"
)

// Load returns the configuration for FDS_TIER overlaid with environment overrides.
func Load() *domain.Config {
	loadDotEnv()

	cfg := domain.DefaultConfig()
	if domain.Tier(env.GetString("FDS_TIER", string(domain.TierCommunity))) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	// Server
	cfg.Server.Host = env.GetString("FDS_HOST", cfg.Server.Host)
	cfg.Server.Port = env.GetInt("FDS_PORT", cfg.Server.Port)
	cfg.Server.RateLimitRPS = env.GetFloat64("FDS_RATE_LIMIT_RPS", cfg.Server.RateLimitRPS)
	cfg.Server.RateLimitBurst = env.GetInt("FDS_RATE_LIMIT_BURST", cfg.Server.RateLimitBurst)

	// Repository
	cfg.Repository.Driver = env.GetString("FDS_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = env.GetString("FDS_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = env.GetString("FDS_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = env.GetInt("FDS_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = env.GetString("FDS_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = env.GetString("FDS_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = env.GetString("FDS_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = env.GetString("FDS_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Cache
	cfg.Cache.Type = env.GetString("FDS_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = env.GetString("FDS_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = env.GetString("FDS_REDIS_PASSWORD", cfg.Cache.RedisPassword)

	// Event bus
	cfg.EventBus.Type = env.GetString("FDS_BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = env.GetInt("FDS_BUS_BUFFER", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = env.GetString("FDS_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = env.GetString("FDS_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = env.GetString("FDS_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)
	cfg.EventBus.NATSStream = env.GetString("FDS_NATS_STREAM", cfg.EventBus.NATSStream)
	cfg.EventBus.NATSAckWait = env.GetInt("FDS_NATS_ACK_WAIT_SECONDS", cfg.EventBus.NATSAckWait)
	cfg.EventBus.NATSMaxDeliver = env.GetInt("FDS_NATS_MAX_DELIVER", cfg.EventBus.NATSMaxDeliver)

	// Pipeline
	if shards := splitList(env.GetString("FDS_SHARDS", "")); len(shards) > 0 {
		cfg.Dispatcher.Shards = shards
		cfg.Worker.Shards = shards
	}
	cfg.Dispatcher.Interval = millis("FDS_DISPATCH_INTERVAL_MS", cfg.Dispatcher.Interval)
	cfg.Dispatcher.BatchSize = env.GetInt("FDS_DISPATCH_BATCH", cfg.Dispatcher.BatchSize)
	cfg.Dispatcher.ReclaimAfter = time.Duration(
		env.GetInt("FDS_DISPATCH_RECLAIM_SECONDS", int(cfg.Dispatcher.ReclaimAfter/time.Second)),
	) * time.Second
	cfg.Worker.MaxAttempts = env.GetInt("FDS_WORKER_MAX_ATTEMPTS", cfg.Worker.MaxAttempts)
	cfg.Worker.InitialBackoff = millis("FDS_WORKER_INITIAL_BACKOFF_MS", cfg.Worker.InitialBackoff)
	cfg.Worker.MaxBackoff = millis("FDS_WORKER_MAX_BACKOFF_MS", cfg.Worker.MaxBackoff)
	cfg.Detection.RuleTimeout = millis("FDS_RULE_TIMEOUT_MS", cfg.Detection.RuleTimeout)
	cfg.Detection.MaxWorkers = env.GetInt("FDS_RULE_WORKERS", cfg.Detection.MaxWorkers)
	cfg.Detection.VelocityWindow = time.Duration(
		env.GetInt("FDS_VELOCITY_WINDOW_SECONDS", int(cfg.Detection.VelocityWindow/time.Second)),
	) * time.Second

	// Observability
	cfg.Logging.Level = strings.ToLower(env.GetString("FDS_LOG_LEVEL", cfg.Logging.Level))
	if env.GetBool("FDS_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = env.GetString("FDS_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = env.GetBool("FDS_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Metrics.Enabled = env.GetBool("FDS_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Namespace = env.GetString("FDS_METRICS_NAMESPACE", cfg.Metrics.Namespace)

	return cfg
}

func millis(key string, def time.Duration) time.Duration {
	return time.Duration(env.GetInt(key, int(def/time.Millisecond))) * time.Millisecond
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv searches for a .env file from the current directory up to the root
// and loads the first one found. Variables already set are not overridden.
func loadDotEnv() {
	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	dir := cwd
	for {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

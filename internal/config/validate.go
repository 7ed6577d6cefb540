package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/jellydator/validation"

	"github.com/opensource-finance/fds/internal/domain"
)

var shardID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Validate rejects configurations the pipeline cannot start with. The error names
// the offending keys and wraps domain.ErrInvalidInput.
func Validate(cfg *domain.Config) error {
	err := validation.Errors{
		"server": validation.ValidateStruct(&cfg.Server,
			validation.Field(&cfg.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&cfg.Server.RateLimitRPS, validation.Min(0.0)),
		),
		"repository": validation.ValidateStruct(&cfg.Repository,
			validation.Field(&cfg.Repository.Driver, validation.Required, validation.In("sqlite", "postgres")),
		),
		"cache": validation.ValidateStruct(&cfg.Cache,
			validation.Field(&cfg.Cache.Type, validation.In("memory", "redis")),
		),
		"eventBus": validation.ValidateStruct(&cfg.EventBus,
			validation.Field(&cfg.EventBus.Type, validation.In("channel", "nats")),
			validation.Field(&cfg.EventBus.NATSStream, validation.Match(shardID)),
			validation.Field(&cfg.EventBus.NATSAckWait, validation.Min(0)),
		),
		"detection": validation.ValidateStruct(&cfg.Detection,
			validation.Field(&cfg.Detection.MaxWorkers, validation.Min(0)),
			validation.Field(&cfg.Detection.RuleTimeout, validation.Min(0)),
		),
		"dispatcher": validation.ValidateStruct(&cfg.Dispatcher,
			validation.Field(&cfg.Dispatcher.Shards, validation.Required, validation.Each(validation.Match(shardID))),
			validation.Field(&cfg.Dispatcher.Interval, validation.Required),
			validation.Field(&cfg.Dispatcher.BatchSize, validation.Required, validation.Min(1)),
			validation.Field(&cfg.Dispatcher.ReclaimAfter, validation.Min(time.Duration(0))),
		),
		"worker": validation.ValidateStruct(&cfg.Worker,
			validation.Field(&cfg.Worker.Shards, validation.Required, validation.Each(validation.Match(shardID))),
			validation.Field(&cfg.Worker.MaxAttempts, validation.Required, validation.Min(1)),
		),
		"logging": validation.ValidateStruct(&cfg.Logging,
			validation.Field(&cfg.Logging.Level, validation.In("debug", "info", "warn", "error")),
			validation.Field(&cfg.Logging.Format, validation.In("json", "text")),
		),
	}.Filter()
	if err == nil {
		err = checkChannelBuffer(cfg)
	}
	if err != nil {
		return fmt.Errorf("%w: invalid configuration: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

// checkChannelBuffer requires the in-process bus to hold a whole dispatch batch. The
// dispatcher publishes while it holds the SQLite write lock, and a worker draining the
// buffer needs that lock.
func checkChannelBuffer(cfg *domain.Config) error {
	if cfg.EventBus.Type != "channel" && cfg.EventBus.Type != "" {
		return nil
	}
	if n := cfg.EventBus.ChannelBufferSize; n > 0 && n < cfg.Dispatcher.BatchSize {
		return validation.Errors{
			"eventBus": fmt.Errorf("channel buffer %d is smaller than dispatch batch %d", n, cfg.Dispatcher.BatchSize),
		}
	}
	return nil
}

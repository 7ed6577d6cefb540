package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/fds/internal/domain"
)

func TestValidate(t *testing.T) {
	t.Run("tier defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(domain.DefaultConfig()))
		assert.NoError(t, Validate(domain.ProConfig()))
	})

	tests := []struct {
		name   string
		mutate func(cfg *domain.Config)
		field  string
	}{
		{"port out of range", func(c *domain.Config) { c.Server.Port = 70000 }, "server"},
		{"unknown driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository"},
		{"unknown bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }, "eventBus"},
		{"no dispatch shards", func(c *domain.Config) { c.Dispatcher.Shards = nil }, "dispatcher"},
		{"bad shard id", func(c *domain.Config) { c.Worker.Shards = []string{"eu west"} }, "worker"},
		{"zero attempts", func(c *domain.Config) { c.Worker.MaxAttempts = 0 }, "worker"},
		{"negative reclaim", func(c *domain.Config) { c.Dispatcher.ReclaimAfter = -time.Second }, "dispatcher"},
		{"bad stream name", func(c *domain.Config) { c.EventBus.NATSStream = "fds.tasks" }, "eventBus"},
		{"unknown log level", func(c *domain.Config) { c.Logging.Level = "trace" }, "logging"},
		{"channel buffer below batch", func(c *domain.Config) {
			c.EventBus.ChannelBufferSize = 10
			c.Dispatcher.BatchSize = 100
		}, "eventBus"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/opensource-finance/fds/internal/blocklist"
	"github.com/opensource-finance/fds/internal/bus"
	"github.com/opensource-finance/fds/internal/cache"
	"github.com/opensource-finance/fds/internal/config"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/facts"
	"github.com/opensource-finance/fds/internal/ingest"
	"github.com/opensource-finance/fds/internal/metrics"
	"github.com/opensource-finance/fds/internal/repository"
	"github.com/opensource-finance/fds/internal/rules"
	"github.com/opensource-finance/fds/internal/velocity"
	"github.com/opensource-finance/fds/internal/worker"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      *domain.Config
	repo     *repository.SQLRepository
	cache    domain.Cache
	bus      domain.EventBus
	exporter *metrics.Exporter
	pipeline metrics.Pipeline

	compiler *rules.Compiler
	rules    *rules.Cache
	detector *rules.Detector
	applier  *blocklist.Applier
	service  *ingest.Service
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// newApp loads configuration and wires every component. The rule cache is loaded
// once before returning.
func newApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	setupLogger(cfg.Logging)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	slog.Info("starting fds",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"shards", cfg.Worker.Shards,
	)

	a := &app{cfg: cfg}

	var err error
	a.repo, err = repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	a.cache, err = cache.New(cfg.Cache)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.bus, err = bus.New(cfg.EventBus)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to initialize event bus: %w", err)
	}

	a.pipeline = metrics.Discard()
	if cfg.Metrics.Enabled {
		a.exporter, err = metrics.NewExporter(cfg.Metrics.Namespace)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pipeline, err = a.exporter.Pipeline()
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.compiler, err = rules.NewCompiler()
	if err != nil {
		a.close()
		return nil, err
	}
	a.rules = rules.NewCache(a.repo, a.compiler)
	if _, err := a.rules.Reload(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule cache loaded", "rules_count", a.rules.Count())

	loader := facts.NewLoader(a.repo,
		blocklist.NewChecker(a.repo),
		velocity.NewService(a.repo, a.cache, cfg.Detection),
	)
	a.detector = rules.NewDetector(a.rules, loader, cfg.Detection)
	a.applier = blocklist.NewApplier(a.repo)
	a.service = ingest.NewService(a.repo, a.detector, a.applier, a.pipeline)

	return a, nil
}

func (a *app) newWorker() *worker.Worker {
	task := worker.NewTask(a.repo, a.detector, a.applier)
	return worker.New(task, a.repo, a.bus, a.cfg.Worker, a.pipeline)
}

func (a *app) close() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Error("failed to close event bus", "error", err)
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Error("failed to close cache", "error", err)
		}
	}
	if a.exporter != nil {
		if err := a.exporter.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shut down metrics", "error", err)
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			slog.Error("failed to close repository", "error", err)
		}
	}
}

// ignoreCanceled treats a clean shutdown as success.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

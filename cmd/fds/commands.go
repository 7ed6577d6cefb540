package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/fds/internal/api"
	"github.com/opensource-finance/fds/internal/bus"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/outbox"
)

const shutdownTimeout = 30 * time.Second

// setupTracing installs an SDK tracer provider so spans carry real trace IDs.
func setupTracing(cfg domain.TracingConfig) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown
}

func (a *app) newDispatcher() *outbox.Dispatcher {
	return outbox.NewDispatcher(a.repo, bus.NewTaskQueue(a.bus), a.cfg.Dispatcher, a.pipeline)
}

// warnLocalBus flags a standalone process on the in-process bus, which cannot reach
// any other process.
func (a *app) warnLocalBus(command string) {
	if a.cfg.EventBus.Type == "channel" || a.cfg.EventBus.Type == "" {
		slog.Warn("channel event bus is process-local; use serve or a nats bus",
			"command", command,
		)
	}
}

// runServe starts the HTTP API and, when enabled, the dispatcher and worker loops.
// All of them stop on SIGINT or SIGTERM.
func runServe(ctx context.Context, withDispatcher, withWorker bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	shutdownTracing := setupTracing(a.cfg.Tracing)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Error("failed to shut down tracing", "error", err)
		}
	}()

	handler := api.NewHandler(a.repo, a.service, a.rules, a.compiler, a.cache, a.bus, Version)
	server := api.NewServer(a.cfg.Server, handler, a.exporter)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", server.Addr())
		return server.Start()
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if withDispatcher {
		d := a.newDispatcher()
		g.Go(func() error {
			return ignoreCanceled(d.Start(gctx))
		})
	}

	if withWorker {
		w := a.newWorker()
		g.Go(func() error {
			return ignoreCanceled(w.Start(gctx))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// runWorker consumes detect tasks until interrupted.
func runWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.warnLocalBus("worker")
	w := a.newWorker()
	err = ignoreCanceled(w.Start(ctx))

	stats := w.Stats()
	slog.Info("worker stopped",
		"done", stats.Done,
		"skipped", stats.Skipped,
		"retried", stats.Retried,
		"dead_lettered", stats.DeadLettered,
	)
	return err
}

// runDispatch publishes READY outbox events. With once set it makes a single pass.
func runDispatch(ctx context.Context, once bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.warnLocalBus("dispatch")
	d := a.newDispatcher()
	if !once {
		return ignoreCanceled(d.Start(ctx))
	}

	n, err := d.DispatchAll(ctx)
	slog.Info("dispatch pass complete", "dispatched", n)
	return err
}

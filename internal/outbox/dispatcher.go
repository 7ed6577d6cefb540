package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("fds-outbox")

// DispatchStore is the subset of the repository the dispatcher needs.
type DispatchStore interface {
	domain.TxManager
	ClaimReady(ctx context.Context, shardID string, limit int) ([]*domain.OutboxEvent, error)
	MarkSent(ctx context.Context, id int64) error
	ClaimStale(ctx context.Context, shardID string, cutoff time.Time, limit int) ([]*domain.OutboxEvent, error)
	TouchSent(ctx context.Context, id int64) error
}

// Dispatcher hands READY outbox events to the task queue.
// Several dispatchers may run against the same store; a row is only ever claimed by one.
// A task the queue accepted but no worker finished leaves its row SENT with no ledger
// entry; with ReclaimAfter set, such rows are enqueued again and stay SENT.
type Dispatcher struct {
	store   DispatchStore
	queue   domain.TaskQueue
	cfg     domain.DispatcherConfig
	metrics metrics.Pipeline
}

// NewDispatcher creates a dispatcher. A nil pipeline disables metrics.
func NewDispatcher(store DispatchStore, queue domain.TaskQueue, cfg domain.DispatcherConfig, pipeline metrics.Pipeline) *Dispatcher {
	if len(cfg.Shards) == 0 {
		cfg.Shards = []string{domain.DefaultShard}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if pipeline == nil {
		pipeline = metrics.Discard()
	}
	return &Dispatcher{store: store, queue: queue, cfg: cfg, metrics: pipeline}
}

// DispatchBatch claims up to limit READY events of shardID, oldest first, enqueues a
// detection task for each and marks them SENT, all in one transaction. If an enqueue
// fails the transaction rolls back and the events stay READY; tasks already enqueued
// in that batch will be enqueued again on the next pass.
func (d *Dispatcher) DispatchBatch(ctx context.Context, shardID string, limit int) (int, error) {
	ctx, span := tracer.Start(ctx, "outbox.DispatchBatch")
	defer span.End()
	span.SetAttributes(attribute.String("fds.shard_id", shardID))

	start := time.Now()
	var sent int

	err := d.store.WithTx(ctx, func(ctx context.Context) error {
		sent = 0
		events, err := d.store.ClaimReady(ctx, shardID, limit)
		if err != nil {
			return err
		}

		for _, event := range events {
			if err := d.queue.Enqueue(ctx, taskFor(event)); err != nil {
				return fmt.Errorf("failed to enqueue outbox event %d: %w", event.ID, err)
			}
			if err := d.store.MarkSent(ctx, event.ID); err != nil {
				return err
			}
			sent++
		}
		return nil
	})

	if err != nil {
		span.RecordError(err)
		d.metrics.Latency(ctx, metrics.StageDispatch, "dispatch_batch", start, metrics.OutcomeError)
		d.metrics.Step(ctx, metrics.StageDispatch, "dispatch_batch", metrics.OutcomeError)
		return 0, err
	}
	d.metrics.Latency(ctx, metrics.StageDispatch, "dispatch_batch", start, metrics.OutcomeOK)
	span.SetAttributes(attribute.Int("fds.dispatched", sent))

	if sent > 0 {
		d.metrics.Outbox(ctx, shardID, metrics.OutboxSent, int64(sent))
		slog.Debug("outbox events dispatched", "shard_id", shardID, "count", sent)
	}
	return sent, nil
}

// Reclaim enqueues again up to limit SENT events of shardID that have gone
// ReclaimAfter without a ledger entry or dead letter, and restamps them. Statuses are
// left as they are. It is a no-op when ReclaimAfter is zero.
func (d *Dispatcher) Reclaim(ctx context.Context, shardID string, limit int) (int, error) {
	if d.cfg.ReclaimAfter <= 0 {
		return 0, nil
	}
	ctx, span := tracer.Start(ctx, "outbox.Reclaim")
	defer span.End()
	span.SetAttributes(attribute.String("fds.shard_id", shardID))

	var resent int
	err := d.store.WithTx(ctx, func(ctx context.Context) error {
		resent = 0
		events, err := d.store.ClaimStale(ctx, shardID, time.Now().Add(-d.cfg.ReclaimAfter), limit)
		if err != nil {
			return err
		}

		for _, event := range events {
			if err := d.queue.Enqueue(ctx, taskFor(event)); err != nil {
				return fmt.Errorf("failed to re-enqueue outbox event %d: %w", event.ID, err)
			}
			if err := d.store.TouchSent(ctx, event.ID); err != nil {
				return err
			}
			resent++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		d.metrics.Step(ctx, metrics.StageDispatch, "reclaim", metrics.OutcomeError)
		return 0, err
	}

	if resent > 0 {
		d.metrics.Outbox(ctx, shardID, metrics.OutboxReclaimed, int64(resent))
		slog.Warn("re-enqueued unfinished outbox events",
			"shard_id", shardID,
			"count", resent,
			"reclaim_after", d.cfg.ReclaimAfter,
		)
	}
	return resent, nil
}

func taskFor(event *domain.OutboxEvent) domain.DetectTask {
	return domain.DetectTask{
		OutboxID:    event.ID,
		EventType:   event.EventType,
		ShardID:     event.ShardID,
		AggregateID: event.AggregateID,
		Payload:     event.Payload,
	}
}

// DispatchAll reclaims and then runs one batch per configured shard, returning the
// total enqueued. A failing shard does not stop the others.
func (d *Dispatcher) DispatchAll(ctx context.Context) (int, error) {
	var total int
	var errs []error
	for _, shard := range d.cfg.Shards {
		resent, err := d.Reclaim(ctx, shard, d.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", shard, err))
		}
		total += resent
		n, err := d.DispatchBatch(ctx, shard, d.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", shard, err))
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// Start dispatches every configured shard on each tick until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) error {
	slog.Info("starting outbox dispatcher",
		"interval", d.cfg.Interval,
		"batch_size", d.cfg.BatchSize,
		"reclaim_after", d.cfg.ReclaimAfter,
		"shards", d.cfg.Shards,
	)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping outbox dispatcher")
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchAll(ctx); err != nil && ctx.Err() == nil {
				slog.Error("failed to dispatch outbox events", "error", err)
			}
		}
	}
}

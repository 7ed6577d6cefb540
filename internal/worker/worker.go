// Package worker consumes detect tasks from the event bus.
//
// Delivery is at-least-once: the dispatcher may enqueue an event again after a rolled
// back batch, NATS may redeliver after a reconnect, and a worker may crash between
// detecting and recording. Idempotence comes from the processed_events ledger, unique
// over (shard_id, event_type, aggregate_id). A task first checks the ledger and skips
// events already recorded; when two workers race past that check, the second insert
// hits the unique index and the task reports itself skipped. Blocklist registration is
// insert-if-absent, so a replay that reaches it changes nothing.
//
// A task that keeps failing is retried with exponential backoff. Once the attempts are
// exhausted the event is written to dead_letters, its outbox row moves to ERROR and an
// alert is published on fds.alert. A task left unfinished, because the worker stopped or
// the dead letter could not be written, is reported back to the bus for redelivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opensource-finance/fds/internal/bus"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("fds-worker")

// ErrDeadLettered wraps the last failure of a task that was moved to dead_letters.
var ErrDeadLettered = errors.New("detect task dead-lettered")

// Processor runs one detect task.
type Processor interface {
	Process(ctx context.Context, task domain.DetectTask) (Outcome, error)
}

// DeadLetterStore records tasks that exhausted their retries.
type DeadLetterStore interface {
	domain.TxManager
	InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error
	MarkError(ctx context.Context, id int64) error
}

// Stats counts handled tasks since the worker was created.
type Stats struct {
	Done         int64 `json:"done"`
	Skipped      int64 `json:"skipped"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"deadLettered"`
}

// DecisionEvent is published on fds.decision for every detected task.
type DecisionEvent struct {
	OutboxID    int64          `json:"outboxId"`
	EventType   string         `json:"eventType"`
	AggregateID string         `json:"aggregateId"`
	Result      *domain.Result `json:"result"`
}

// AlertEvent is published on fds.alert when a task is dead-lettered.
type AlertEvent struct {
	DeadLetterID string `json:"deadLetterId"`
	OutboxID     int64  `json:"outboxId"`
	EventType    string `json:"eventType"`
	AggregateID  string `json:"aggregateId"`
	Attempts     int    `json:"attempts"`
	Error        string `json:"error"`
}

// Worker subscribes to the detect topic of its shards and processes each task with retries.
type Worker struct {
	processor Processor
	store     DeadLetterStore
	bus       domain.EventBus
	cfg       domain.WorkerConfig
	metrics   metrics.Pipeline

	mu   sync.Mutex
	subs []domain.Subscription

	done         atomic.Int64
	skipped      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

// New creates a worker. A nil pipeline disables metrics.
func New(processor Processor, store DeadLetterStore, eventBus domain.EventBus, cfg domain.WorkerConfig, pipeline metrics.Pipeline) *Worker {
	if len(cfg.Shards) == 0 {
		cfg.Shards = []string{domain.DefaultShard}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if pipeline == nil {
		pipeline = metrics.Discard()
	}
	return &Worker{
		processor: processor,
		store:     store,
		bus:       eventBus,
		cfg:       cfg,
		metrics:   pipeline,
	}
}

// Start subscribes to every configured shard, then blocks until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	for _, shard := range w.cfg.Shards {
		sub, err := w.bus.Subscribe(ctx, shard, domain.TopicDetectCase, w.handleMessage)
		if err != nil {
			w.Stop()
			return err
		}
		w.mu.Lock()
		w.subs = append(w.subs, sub)
		w.mu.Unlock()
	}

	slog.Info("starting detect worker",
		"shards", w.cfg.Shards,
		"max_attempts", w.cfg.MaxAttempts,
	)

	<-ctx.Done()
	slog.Info("stopping detect worker")
	w.Stop()
	return ctx.Err()
}

// Stop unsubscribes from all shards.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, sub := range w.subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Warn("failed to unsubscribe", "topic", sub.Topic(), "error", err)
		}
	}
	w.subs = nil
}

// Stats returns the task counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Done:         w.done.Load(),
		Skipped:      w.skipped.Load(),
		Retried:      w.retried.Load(),
		DeadLettered: w.deadLettered.Load(),
	}
}

// handleMessage returns an error only for tasks that should be delivered again.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	task, err := bus.DecodeTask(msg)
	if err != nil {
		slog.Error("dropping malformed detect task",
			"shard_id", msg.ShardID,
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	err = w.Handle(ctx, task)
	if errors.Is(err, ErrDeadLettered) {
		return nil
	}
	return err
}

// Handle processes task, retrying transient failures with exponential backoff.
// Malformed tasks and missing entities are not retried. When retries run out the
// task is dead-lettered and the returned error wraps ErrDeadLettered and the last
// failure. If the dead letter cannot be written the error does not wrap ErrDeadLettered.
func (w *Worker) Handle(ctx context.Context, task domain.DetectTask) error {
	ctx, span := tracer.Start(ctx, "worker.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("fds.shard_id", task.ShardID),
		attribute.String("fds.event_type", task.EventType),
		attribute.String("fds.aggregate_id", task.AggregateID),
	)

	start := time.Now()
	attempts := 0
	var outcome Outcome

	op := func() error {
		attempts++
		out, err := w.processor.Process(ctx, task)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		outcome = out
		return nil
	}

	notify := func(err error, wait time.Duration) {
		w.retried.Add(1)
		slog.Warn("detect task failed, retrying",
			"shard_id", task.ShardID,
			"aggregate_id", task.AggregateID,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	err := backoff.RetryNotify(op, w.newBackOff(ctx), notify)
	if err != nil {
		span.RecordError(err)
		w.metrics.Latency(ctx, metrics.StageWorker, "detect_task", start, metrics.OutcomeError)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dlErr := w.deadLetter(ctx, task, attempts, err); dlErr != nil {
			return errors.Join(err, dlErr)
		}
		return fmt.Errorf("%w: %w", ErrDeadLettered, err)
	}

	status := string(outcome.Status)
	w.metrics.Latency(ctx, metrics.StageWorker, "detect_task", start, status)
	w.metrics.Step(ctx, metrics.StageWorker, "detect_task", status)
	span.SetAttributes(attribute.String("fds.outcome", status))

	if outcome.Status == StatusSkipped {
		w.skipped.Add(1)
		return nil
	}
	w.done.Add(1)
	w.metrics.Decision(ctx, outcome.Result.Kind, outcome.Result.Decision, domain.SourceWorker)

	slog.Info("detect task completed",
		"shard_id", task.ShardID,
		"case_id", outcome.Result.CaseID,
		"decision", outcome.Result.Decision,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	w.publish(ctx, task.ShardID, domain.TopicDecision, DecisionEvent{
		OutboxID:    task.OutboxID,
		EventType:   task.EventType,
		AggregateID: task.AggregateID,
		Result:      outcome.Result,
	})
	return nil
}

func (w *Worker) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(w.cfg.MaxAttempts-1)), ctx)
}

// deadLetter records the exhausted task and moves its outbox row to ERROR in one
// transaction, then raises an alert.
func (w *Worker) deadLetter(ctx context.Context, task domain.DetectTask, attempts int, cause error) error {
	w.deadLettered.Add(1)

	dl := &domain.DeadLetter{
		OutboxID:    task.OutboxID,
		ShardID:     task.ShardID,
		EventType:   task.EventType,
		AggregateID: task.AggregateID,
		Payload:     task.Payload,
		Attempts:    attempts,
		LastError:   cause.Error(),
		CreatedAt:   time.Now().UTC(),
	}

	err := w.store.WithTx(ctx, func(ctx context.Context) error {
		if err := w.store.InsertDeadLetter(ctx, dl); err != nil {
			return err
		}
		if task.OutboxID == 0 {
			return nil
		}
		if err := w.store.MarkError(ctx, task.OutboxID); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				slog.Warn("outbox event not in SENT state", "outbox_id", task.OutboxID)
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		w.metrics.Step(ctx, metrics.StageWorker, "dead_letter", metrics.OutcomeError)
		slog.Error("failed to record dead letter",
			"shard_id", task.ShardID,
			"aggregate_id", task.AggregateID,
			"error", err,
		)
		return err
	}

	w.metrics.Outbox(ctx, task.ShardID, metrics.OutboxDeadLetter, 1)
	slog.Error("detect task exhausted retries",
		"shard_id", task.ShardID,
		"outbox_id", task.OutboxID,
		"event_type", task.EventType,
		"aggregate_id", task.AggregateID,
		"attempts", attempts,
		"error", cause,
	)

	w.publish(ctx, task.ShardID, domain.TopicAlert, AlertEvent{
		DeadLetterID: dl.ID,
		OutboxID:     task.OutboxID,
		EventType:    task.EventType,
		AggregateID:  task.AggregateID,
		Attempts:     attempts,
		Error:        cause.Error(),
	})
	return nil
}

func (w *Worker) publish(ctx context.Context, shardID, topic string, v any) {
	if shardID == "" {
		shardID = domain.DefaultShard
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal event", "topic", topic, "error", err)
		return
	}
	err = w.bus.Publish(ctx, shardID, topic, data)
	switch {
	case err == nil:
	case errors.Is(err, bus.ErrNoSubscriber):
		slog.Debug("event has no subscriber", "topic", topic, "shard_id", shardID)
	default:
		slog.Warn("failed to publish event", "topic", topic, "shard_id", shardID, "error", err)
	}
}

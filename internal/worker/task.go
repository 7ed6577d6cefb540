package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/outbox"
)

// Status is how a task invocation ended.
type Status string

const (
	// StatusDone means the case was detected and recorded in the ledger.
	StatusDone Status = "done"
	// StatusSkipped means the ledger already held the event.
	StatusSkipped Status = "skipped"
)

// Outcome is the result of one Process call. Result is set only when Status is StatusDone.
type Outcome struct {
	Status Status
	Result *domain.Result
}

// TaskStore is the subset of the repository a task needs.
type TaskStore interface {
	domain.TxManager
	ProcessedExists(ctx context.Context, shardID, eventType, aggregateID string) (bool, error)
	InsertProcessed(ctx context.Context, rec *domain.ProcessedRecord) error
	SaveDetectionLog(ctx context.Context, log *domain.DetectionLog) error
}

// CaseDetector evaluates the active rules against a case.
type CaseDetector interface {
	Detect(ctx context.Context, c domain.Case) (*domain.Result, error)
}

// BlockApplier registers identifiers into the blocklists.
type BlockApplier interface {
	Apply(ctx context.Context, params domain.RegisterParams) (int, error)
}

// Task runs detection for one outbox event.
type Task struct {
	store    TaskStore
	detector CaseDetector
	applier  BlockApplier
}

// NewTask creates a task.
func NewTask(store TaskStore, detector CaseDetector, applier BlockApplier) *Task {
	return &Task{store: store, detector: detector, applier: applier}
}

// Process detects the case carried by task, applies blocklist registration and records
// the event in the ledger together with its detection log. An event already in the
// ledger is skipped without detecting again.
func (t *Task) Process(ctx context.Context, task domain.DetectTask) (Outcome, error) {
	shardID := task.ShardID
	if shardID == "" {
		shardID = domain.DefaultShard
	}

	done, err := t.store.ProcessedExists(ctx, shardID, task.EventType, task.AggregateID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to check processed ledger: %w", err)
	}
	if done {
		slog.Debug("detect task already processed",
			"shard_id", shardID,
			"event_type", task.EventType,
			"aggregate_id", task.AggregateID,
		)
		return Outcome{Status: StatusSkipped}, nil
	}

	c, err := outbox.ParseCase(task.EventType, task.AggregateID, task.Payload)
	if err != nil {
		return Outcome{}, err
	}

	res, err := t.detector.Detect(ctx, c)
	if err != nil {
		return Outcome{}, err
	}

	if res.RegisterBlocklist {
		if _, err := t.applier.Apply(ctx, res.RegisterParams); err != nil {
			return Outcome{}, fmt.Errorf("failed to apply blocklist: %w", err)
		}
	}

	err = t.store.WithTx(ctx, func(ctx context.Context) error {
		rec := &domain.ProcessedRecord{
			ShardID:     shardID,
			EventType:   task.EventType,
			AggregateID: task.AggregateID,
			ProcessedAt: time.Now().UTC(),
		}
		if err := t.store.InsertProcessed(ctx, rec); err != nil {
			return err
		}
		return t.store.SaveDetectionLog(ctx, domain.NewDetectionLog(res, domain.SourceWorker))
	})
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("detect task raced with another worker",
			"shard_id", shardID,
			"event_type", task.EventType,
			"aggregate_id", task.AggregateID,
		)
		return Outcome{Status: StatusSkipped}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record processed event: %w", err)
	}

	return Outcome{Status: StatusDone, Result: res}, nil
}

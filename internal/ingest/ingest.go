// Package ingest is the entry point for new orders and purchases. Entities either go
// through the outbox for asynchronous detection or are detected inline.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/metrics"
	"github.com/opensource-finance/fds/internal/outbox"
)

// Store is the subset of the repository the service needs.
type Store interface {
	outbox.WriterStore
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

// Service ingests entities and runs synchronous detection.
type Service struct {
	store    Store
	writer   *outbox.Writer
	detector CaseDetector
	applier  BlockApplier
	metrics  metrics.Pipeline
}

// NewService creates the ingestion service. A nil pipeline disables metrics.
func NewService(store Store, detector CaseDetector, applier BlockApplier, pipeline metrics.Pipeline) *Service {
	if pipeline == nil {
		pipeline = metrics.Discard()
	}
	return &Service{
		store:    store,
		writer:   outbox.NewWriter(store),
		detector: detector,
		applier:  applier,
		metrics:  pipeline,
	}
}

// IngestAndEmit upserts entity and writes its outbox event in one transaction.
// Detection happens later in a worker.
func (s *Service) IngestAndEmit(ctx context.Context, entity domain.Entity, shardID string) (*domain.OutboxEvent, error) {
	if err := checkEntity(entity); err != nil {
		return nil, err
	}

	var event *domain.OutboxEvent
	var err error
	switch e := entity.(type) {
	case *domain.Order:
		event, err = s.writer.UpsertOrderAndEmit(ctx, e, shardID)
	case *domain.Purchase:
		event, err = s.writer.UpsertPurchaseAndEmit(ctx, e, shardID)
	default:
		return nil, fmt.Errorf("%w: unsupported entity %T", domain.ErrInvalidInput, entity)
	}

	if err != nil {
		s.metrics.Step(ctx, metrics.StageIngest, "ingest_"+string(entity.CaseKind()), metrics.OutcomeError)
		return nil, err
	}
	s.metrics.Step(ctx, metrics.StageIngest, "ingest_"+string(entity.CaseKind()), metrics.OutcomeOK)

	slog.Debug("entity ingested",
		"case_kind", entity.CaseKind(),
		"case_id", entity.EntityID(),
		"shard_id", event.ShardID,
		"outbox_id", event.ID,
	)
	return event, nil
}

// IngestAndDetectInline upserts entity and detects it immediately, bypassing the outbox.
func (s *Service) IngestAndDetectInline(ctx context.Context, entity domain.Entity) (*domain.Result, error) {
	if err := checkEntity(entity); err != nil {
		return nil, err
	}

	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		switch e := entity.(type) {
		case *domain.Order:
			return s.store.UpsertOrder(ctx, e)
		case *domain.Purchase:
			return s.store.UpsertPurchase(ctx, e)
		default:
			return fmt.Errorf("%w: unsupported entity %T", domain.ErrInvalidInput, entity)
		}
	})
	if err != nil {
		return nil, err
	}

	c, err := domain.NewCase(entity.CaseKind(), entity.EntityID(), domain.EntityRefs{})
	if err != nil {
		return nil, err
	}
	return s.detect(ctx, c)
}

// DetectCase detects a stored order or purchase. Blocklist registration requested by
// the rules is applied and the decision is logged.
func (s *Service) DetectCase(ctx context.Context, kind domain.CaseKind, caseID string) (*domain.Result, error) {
	c, err := domain.NewCase(kind, caseID, domain.EntityRefs{})
	if err != nil {
		return nil, err
	}
	return s.detect(ctx, c)
}

func (s *Service) detect(ctx context.Context, c domain.Case) (*domain.Result, error) {
	start := time.Now()

	res, err := s.detector.Detect(ctx, c)
	if err != nil {
		s.metrics.Latency(ctx, metrics.StageDetection, "detect_sync", start, metrics.OutcomeError)
		return nil, err
	}

	if res.RegisterBlocklist {
		created, err := s.applier.Apply(ctx, res.RegisterParams)
		if err != nil {
			s.metrics.Step(ctx, metrics.StageBlocklist, "apply", metrics.OutcomeError)
			return nil, fmt.Errorf("failed to apply blocklist: %w", err)
		}
		s.metrics.Step(ctx, metrics.StageBlocklist, "apply", metrics.OutcomeOK)
		if created > 0 {
			slog.Info("blocklist entries registered", "case_id", c.ID(), "created", created)
		}
	}

	if err := s.store.SaveDetectionLog(ctx, domain.NewDetectionLog(res, domain.SourceSync)); err != nil {
		slog.Error("failed to save detection log", "case_id", c.ID(), "error", err)
	}

	s.metrics.Latency(ctx, metrics.StageDetection, "detect_sync", start, res.Decision.String())
	s.metrics.Decision(ctx, c.Kind(), res.Decision, domain.SourceSync)
	slog.Info("case detected",
		"case_kind", c.Kind(),
		"case_id", c.ID(),
		"decision", res.Decision,
		"hits", len(res.Hits),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

func checkEntity(entity domain.Entity) error {
	if entity == nil || entity.EntityID() == "" {
		return fmt.Errorf("%w: entity id is required", domain.ErrInvalidInput)
	}
	return nil
}

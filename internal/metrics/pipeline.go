package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Stage is the part of the pipeline a step belongs to.
type Stage string

const (
	StageIngest    Stage = "ingest"
	StageDetection Stage = "detection"
	StageBlocklist Stage = "blocklist"
	StageDispatch  Stage = "dispatch"
	StageWorker    Stage = "worker"
)

// Outbox row transitions counted by Pipeline.Outbox.
const (
	OutboxSent       = "sent"
	OutboxReclaimed  = "reclaimed"
	OutboxDeadLetter = "dead_lettered"
)

// Outcomes shared by several stages. Detection steps use the decision name instead.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Detection latencies sit in the low milliseconds; rule timeouts cap them at seconds.
var latencyBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// Pipeline records what happens to cases as they move from ingest to a decision.
type Pipeline interface {
	// Step counts one pass through a step.
	Step(ctx context.Context, stage Stage, step, outcome string)

	// Latency observes the time elapsed since start.
	Latency(ctx context.Context, stage Stage, step string, start time.Time, outcome string)

	// Outbox counts n rows moving through transition.
	Outbox(ctx context.Context, shardID, transition string, n int64)

	// Decision counts a final decision for a case.
	Decision(ctx context.Context, kind domain.CaseKind, decision domain.Decision, source string)
}

type pipeline struct {
	steps     metric.Int64Counter
	latency   metric.Float64Histogram
	outbox    metric.Int64Counter
	decisions metric.Int64Counter
}

// NewPipeline registers the pipeline instruments on meter.
func NewPipeline(meter metric.Meter, namespace string) (Pipeline, error) {
	var (
		p   pipeline
		err error
	)

	if p.steps, err = meter.Int64Counter(
		namespace+"_pipeline_steps_total",
		metric.WithDescription("Pipeline steps by stage and outcome"),
		metric.WithUnit("{step}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create step counter: %w", err)
	}

	if p.latency, err = meter.Float64Histogram(
		namespace+"_pipeline_step_duration_seconds",
		metric.WithDescription("Pipeline step latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	if p.outbox, err = meter.Int64Counter(
		namespace+"_outbox_rows_total",
		metric.WithDescription("Outbox rows by shard and transition"),
		metric.WithUnit("{row}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create outbox counter: %w", err)
	}

	if p.decisions, err = meter.Int64Counter(
		namespace+"_decisions_total",
		metric.WithDescription("Final decisions by case kind"),
		metric.WithUnit("{case}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create decision counter: %w", err)
	}

	return &p, nil
}

func stepAttrs(stage Stage, step, outcome string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("stage", string(stage)),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	)
}

func (p *pipeline) Step(ctx context.Context, stage Stage, step, outcome string) {
	p.steps.Add(ctx, 1, stepAttrs(stage, step, outcome))
}

func (p *pipeline) Latency(ctx context.Context, stage Stage, step string, start time.Time, outcome string) {
	p.latency.Record(ctx, time.Since(start).Seconds(), stepAttrs(stage, step, outcome))
}

func (p *pipeline) Outbox(ctx context.Context, shardID, transition string, n int64) {
	if n <= 0 {
		return
	}
	p.outbox.Add(ctx, n, metric.WithAttributes(
		attribute.String("shard", shardID),
		attribute.String("transition", transition),
	))
}

func (p *pipeline) Decision(ctx context.Context, kind domain.CaseKind, decision domain.Decision, source string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("decision", decision.String()),
		attribute.String("source", source),
	))
}

type discard struct{}

// Discard returns a Pipeline that records nothing.
func Discard() Pipeline { return discard{} }

func (discard) Step(context.Context, Stage, string, string)                        {}
func (discard) Latency(context.Context, Stage, string, time.Time, string)          {}
func (discard) Outbox(context.Context, string, string, int64)                      {}
func (discard) Decision(context.Context, domain.CaseKind, domain.Decision, string) {}

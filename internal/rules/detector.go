package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/fds/internal/decision"
	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/facts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("fds-rules")

// FactLoader loads the predicate inputs of a case.
type FactLoader interface {
	Load(ctx context.Context, c domain.Case) (*facts.Facts, error)
}

// Detector evaluates the cached rules of a case's kind and aggregates the hits.
// It has no side effects.
type Detector struct {
	cache       *Cache
	facts       FactLoader
	maxWorkers  int
	ruleTimeout time.Duration
}

// NewDetector creates a detector over cache.
func NewDetector(cache *Cache, loader FactLoader, cfg domain.DetectionConfig) *Detector {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Detector{
		cache:       cache,
		facts:       loader,
		maxWorkers:  maxWorkers,
		ruleTimeout: cfg.RuleTimeout,
	}
}

// Detect evaluates every rule for the case independently and resolves the decision.
// A failing predicate never aborts detection; it is reported in Result.Faults.
// A missing case entity returns domain.ErrNotFound. Any other failure to read the
// case, or ctx ending before every rule ran, returns domain.ErrEngineUnavailable.
func (d *Detector) Detect(ctx context.Context, c domain.Case) (*domain.Result, error) {
	ctx, span := tracer.Start(ctx, "rules.Detect")
	defer span.End()
	span.SetAttributes(
		attribute.String("fds.case_kind", string(c.Kind())),
		attribute.String("fds.case_id", c.ID()),
	)

	snapshot := d.cache.Get(c.Kind())
	if len(snapshot) == 0 {
		return decisionFor(c, nil), nil
	}

	f, err := d.facts.Load(ctx, c)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fact load failed")
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}
	activation := f.Activation()

	outcomes := make([]domain.RuleOutcome, len(snapshot))
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.maxWorkers)

	for i, rule := range snapshot {
		wg.Add(1)
		go func(idx int, r *CompiledRule) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			outcomes[idx] = d.evaluate(ctx, r, activation, f.Refs)
		}(i, rule)
	}
	wg.Wait()

	// Faults caused by the caller giving up are not rule faults.
	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "detection interrupted")
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	for _, o := range outcomes {
		if o.Kind == domain.OutcomeFault {
			slog.Warn("rule evaluation fault",
				"rule_id", o.RuleID,
				"case_kind", c.Kind(),
				"case_id", c.ID(),
				"error", o.Err,
			)
		}
	}

	result := decisionFor(c, outcomes)
	span.SetAttributes(
		attribute.String("fds.decision", result.Decision.String()),
		attribute.Int("fds.hits", len(result.Hits)),
		attribute.Int("fds.faults", len(result.Faults)),
	)
	return result, nil
}

func decisionFor(c domain.Case, outcomes []domain.RuleOutcome) *domain.Result {
	return decision.Process(&decision.Input{
		Kind:     c.Kind(),
		CaseID:   c.ID(),
		Outcomes: outcomes,
	})
}

// evaluate runs one predicate under the per-rule timeout.
func (d *Detector) evaluate(ctx context.Context, rule *CompiledRule, activation map[string]any, refs domain.EntityRefs) domain.RuleOutcome {
	outcome := domain.RuleOutcome{RuleID: rule.ID}

	evalCtx := ctx
	if d.ruleTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, d.ruleTimeout)
		defer cancel()
	}

	out, _, err := rule.Program.ContextEval(evalCtx, activation)
	if err != nil {
		outcome.Kind = domain.OutcomeFault
		if evalCtx.Err() != nil {
			outcome.Err = fmt.Errorf("evaluation interrupted: %w", evalCtx.Err())
		} else {
			outcome.Err = fmt.Errorf("evaluation error: %w", err)
		}
		return outcome
	}

	matched, ok := out.(types.Bool)
	if !ok {
		outcome.Kind = domain.OutcomeFault
		outcome.Err = fmt.Errorf("expression returned %s, want bool", out.Type().TypeName())
		return outcome
	}
	if !matched {
		outcome.Kind = domain.OutcomeNoHit
		return outcome
	}

	outcome.Kind = domain.OutcomeHit
	outcome.Hit = &domain.Hit{
		RuleID:            rule.ID,
		Decision:          rule.Action,
		Reason:            rule.Reason,
		RegisterTargets:   rule.RegisterTargets,
		RegisterBlocklist: rule.RegisterBlocklist,
		RegisterParams:    registerParams(rule, refs),
	}
	return outcome
}

// registerParams picks the references a hit asks to blocklist.
func registerParams(rule *CompiledRule, refs domain.EntityRefs) domain.RegisterParams {
	if !rule.RegisterBlocklist {
		return domain.RegisterParams{}
	}
	var p domain.RegisterParams
	if rule.RegisterTargets.Has(domain.RegisterUser) {
		p.User = refs.User
	}
	if rule.RegisterTargets.Has(domain.RegisterDevice) {
		p.Device = refs.Device
	}
	if rule.RegisterTargets.Has(domain.RegisterCard) {
		p.Card = refs.Card
	}
	return p
}

package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
	"github.com/opensource-finance/fds/internal/facts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	facts *facts.Facts
	err   error
	calls int
}

func (l *stubLoader) Load(ctx context.Context, c domain.Case) (*facts.Facts, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	f := *l.facts
	f.Kind, f.CaseID = c.Kind(), c.ID()
	return &f, nil
}

func orderFacts() *facts.Facts {
	return &facts.Facts{
		Refs:  domain.EntityRefs{User: "u1", Device: "d1"},
		Order: map[string]any{"price": 120.0, "country": "US", "currency": "KRW"},
	}
}

func newDetector(t *testing.T, loader FactLoader, cfg domain.DetectionConfig, defs ...*domain.RuleDefinition) *Detector {
	t.Helper()
	cache, _ := newTestCache(t, defs...)
	return NewDetector(cache, loader, cfg)
}

func TestDetectBlockAndReview(t *testing.T) {
	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{MaxWorkers: 2},
		&domain.RuleDefinition{ID: "r2", Expression: "order.country != 'KR'", Action: "REVIEW", Reason: "y", Target: "order", Enabled: true},
		&domain.RuleDefinition{ID: "r1", Expression: "case_id == 'O1'", Action: "BLOCK", Reason: "x", Target: "order",
			RegisterBlocklist: true, RegisterTargets: "user", Enabled: true},
		&domain.RuleDefinition{ID: "r3", Expression: "order.price > 1000.0", Action: "BLOCK", Target: "order", Enabled: true},
	)

	result, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionBlock, result.Decision)
	assert.Equal(t, []string{"[r1] x", "[r2] y"}, result.Reasons)
	assert.True(t, result.RegisterBlocklist)
	assert.Equal(t, domain.RegisterParams{User: "u1"}, result.RegisterParams)
	assert.Empty(t, result.Faults)
}

func TestDetectEmptyRuleSetAllows(t *testing.T) {
	loader := &stubLoader{err: errors.New("must not be called")}
	d := newDetector(t, loader, domain.DetectionConfig{},
		&domain.RuleDefinition{ID: "o1", Expression: "true", Target: "order", Enabled: true},
	)

	result, err := d.Detect(context.Background(), domain.PurchaseCase{PurchaseID: "anything"})
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionAllow, result.Decision)
	assert.Empty(t, result.Reasons)
	assert.False(t, result.RegisterBlocklist)
	assert.Zero(t, loader.calls)
}

func TestDetectFaultyRuleIsolated(t *testing.T) {
	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{},
		&domain.RuleDefinition{ID: "bad-key", Expression: "order.missing > 1", Action: "BLOCK", Target: "order", Enabled: true},
		&domain.RuleDefinition{ID: "bad-type", Expression: "order.country", Action: "BLOCK", Target: "order", Enabled: true},
		&domain.RuleDefinition{ID: "good", Expression: "order.price > 100.0", Action: "REVIEW", Target: "order", Enabled: true},
	)

	result, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)

	assert.Equal(t, domain.DecisionReview, result.Decision)
	assert.Equal(t, []string{"[good]"}, result.Reasons)
	require.Len(t, result.Faults, 2)
	assert.Equal(t, "bad-key", result.Faults[0].RuleID)
	assert.Equal(t, "bad-type", result.Faults[1].RuleID)
}

func TestDetectRuleTimeout(t *testing.T) {
	list := "[" + strings.TrimSuffix(strings.Repeat("1,", 60), ",") + "]"
	slow := list + ".all(a, " + list + ".all(b, " + list + ".all(c, " + list + ".all(d, a + b + c + d > 0))))"

	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{RuleTimeout: 5 * time.Millisecond},
		&domain.RuleDefinition{ID: "slow", Expression: slow, Action: "BLOCK", Target: "order", Enabled: true},
		&domain.RuleDefinition{ID: "fast", Expression: "true", Action: "REVIEW", Target: "order", Enabled: true},
	)

	start := time.Now()
	result, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.DecisionReview, result.Decision)
	require.Len(t, result.Faults, 1)
	assert.Equal(t, "slow", result.Faults[0].RuleID)
}

func TestDetectCostLimit(t *testing.T) {
	list := "[" + strings.TrimSuffix(strings.Repeat("1,", 200), ",") + "]"
	heavy := list + ".all(a, " + list + ".all(b, " + list + ".all(c, a + b + c > 0)))"

	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{},
		&domain.RuleDefinition{ID: "heavy", Expression: heavy, Action: "BLOCK", Target: "order", Enabled: true},
		&domain.RuleDefinition{ID: "light", Expression: "order.price > 100.0", Action: "REVIEW", Target: "order", Enabled: true},
	)

	start := time.Now()
	result, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, domain.DecisionReview, result.Decision)
	require.Len(t, result.Faults, 1)
	assert.Equal(t, "heavy", result.Faults[0].RuleID)
}

func TestDetectCallerCanceled(t *testing.T) {
	list := "[" + strings.TrimSuffix(strings.Repeat("1,", 300), ",") + "]"

	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{},
		&domain.RuleDefinition{ID: "r1", Expression: list + ".all(x, x == 1)", Action: "BLOCK", Target: "order", Enabled: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := d.Detect(ctx, domain.OrderCase{OrderID: "O1"})
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
	assert.ErrorContains(t, err, context.Canceled.Error())
	assert.Nil(t, result)
}

func TestDetectFactFailures(t *testing.T) {
	defs := []*domain.RuleDefinition{{ID: "r1", Expression: "true", Target: "order", Enabled: true}}

	t.Run("StoreUnavailable", func(t *testing.T) {
		d := newDetector(t, &stubLoader{err: errors.New("connection refused")}, domain.DetectionConfig{}, defs...)
		_, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
		assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
	})

	t.Run("CaseNotFound", func(t *testing.T) {
		d := newDetector(t, &stubLoader{err: domain.ErrNotFound}, domain.DetectionConfig{}, defs...)
		_, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestDetectRegisterTargets(t *testing.T) {
	f := orderFacts()
	f.Refs.Card = "c1"

	d := newDetector(t, &stubLoader{facts: f}, domain.DetectionConfig{},
		&domain.RuleDefinition{ID: "a", Expression: "true", Target: "order", RegisterBlocklist: true, RegisterTargets: "device", Enabled: true},
		&domain.RuleDefinition{ID: "b", Expression: "true", Target: "order", RegisterBlocklist: true, Enabled: true},
		&domain.RuleDefinition{ID: "c", Expression: "true", Target: "order", RegisterTargets: "card", Enabled: true},
	)

	result, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)

	assert.True(t, result.RegisterBlocklist)
	assert.Equal(t, domain.RegisterParams{User: "u1", Device: "d1", Card: "c1"}, result.RegisterParams)
	assert.True(t, result.Hits[0].RegisterParams.User == "")
}

func TestDetectDeterministic(t *testing.T) {
	var defs []*domain.RuleDefinition
	for _, id := range []string{"m", "c", "x", "a", "k"} {
		action := "REVIEW"
		if id == "x" || id == "c" {
			action = "BLOCK"
		}
		defs = append(defs, &domain.RuleDefinition{ID: id, Expression: "true", Action: action, Target: "order", Enabled: true})
	}
	d := newDetector(t, &stubLoader{facts: orderFacts()}, domain.DetectionConfig{MaxWorkers: 3}, defs...)

	first, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"[c]", "[x]", "[a]", "[k]", "[m]"}, first.Reasons)

	for i := 0; i < 20; i++ {
		again, err := d.Detect(context.Background(), domain.OrderCase{OrderID: "O1"})
		require.NoError(t, err)
		assert.Equal(t, first.Reasons, again.Reasons)
	}
}

package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
)

// RuleStore lists stored rule definitions.
type RuleStore interface {
	ListRules(ctx context.Context) ([]*domain.RuleDefinition, error)
}

// Snapshot is an immutable, partitioned view of the enabled rules.
type Snapshot struct {
	order    []*CompiledRule
	purchase []*CompiledRule
	loadedAt time.Time
}

// Rules returns the rules for kind. The slice must not be modified.
func (s *Snapshot) Rules(kind domain.CaseKind) []*CompiledRule {
	switch kind {
	case domain.CaseOrder:
		return s.order
	case domain.CasePurchase:
		return s.purchase
	default:
		return nil
	}
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Cache holds the current rule snapshot. Readers never block; reloads swap the
// whole snapshot at once.
type Cache struct {
	store    RuleStore
	compiler *Compiler

	reloadMu sync.Mutex
	current  atomic.Pointer[Snapshot]
}

// NewCache creates an empty rule cache. Call Reload to populate it.
func NewCache(store RuleStore, compiler *Compiler) *Cache {
	c := &Cache{store: store, compiler: compiler}
	c.current.Store(&Snapshot{})
	return c
}

// Reload reads every rule from the store and replaces the snapshot.
// On a store failure the previous snapshot is kept and the error returned.
// Rules that fail to normalize or compile are dropped and logged.
func (c *Cache) Reload(ctx context.Context) (*Snapshot, error) {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	defs, err := c.store.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reload rules: %w", err)
	}

	next := &Snapshot{loadedAt: time.Now().UTC()}
	for _, def := range defs {
		if def == nil || !def.Enabled {
			continue
		}

		compiled, err := c.compiler.Compile(def)
		if err != nil {
			slog.Warn("rule dropped", "rule_id", def.ID, "error", err)
			continue
		}

		switch compiled.Target {
		case domain.CaseOrder:
			next.order = append(next.order, compiled)
		case domain.CasePurchase:
			next.purchase = append(next.purchase, compiled)
		}
	}

	sortByID(next.order)
	sortByID(next.purchase)

	c.current.Store(next)

	slog.Info("rules reloaded",
		"order_rules", len(next.order),
		"purchase_rules", len(next.purchase),
		"dropped", countEnabled(defs)-len(next.order)-len(next.purchase),
	)
	return next, nil
}

// Get returns the rules for kind from the current snapshot.
func (c *Cache) Get(kind domain.CaseKind) []*CompiledRule {
	return c.current.Load().Rules(kind)
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Rules returns every cached rule, order rules first.
func (c *Cache) Rules() []domain.Rule {
	s := c.current.Load()
	out := make([]domain.Rule, 0, len(s.order)+len(s.purchase))
	for _, r := range s.order {
		out = append(out, r.Rule)
	}
	for _, r := range s.purchase {
		out = append(out, r.Rule)
	}
	return out
}

// Count returns the number of cached rules.
func (c *Cache) Count() int {
	s := c.current.Load()
	return len(s.order) + len(s.purchase)
}

func sortByID(rules []*CompiledRule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
}

func countEnabled(defs []*domain.RuleDefinition) int {
	n := 0
	for _, d := range defs {
		if d != nil && d.Enabled {
			n++
		}
	}
	return n
}

// Package blocklist registers identifiers into the user, device and card blocklists.
package blocklist

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/fds/internal/domain"
)

// Store is the subset of the repository used by the blocklist.
type Store interface {
	domain.TxManager
	InsertBlock(ctx context.Context, list domain.Blocklist, id string) (bool, error)
	IsBlocked(ctx context.Context, list domain.Blocklist, id string) (bool, error)
}

// Applier writes register parameters into the blocklists.
type Applier struct {
	store Store
}

// NewApplier creates a new blocklist applier.
func NewApplier(store Store) *Applier {
	return &Applier{store: store}
}

// Apply inserts every present identifier of params in one transaction.
// Identifiers already blocklisted are left untouched, so applying the same params twice is a no-op.
// It returns the number of newly created entries.
func (a *Applier) Apply(ctx context.Context, params domain.RegisterParams) (int, error) {
	if params.IsEmpty() {
		return 0, nil
	}

	entries := []struct {
		list domain.Blocklist
		id   string
	}{
		{domain.BlocklistUser, params.User},
		{domain.BlocklistDevice, params.Device},
		{domain.BlocklistCard, params.Card},
	}

	var created int
	err := a.store.WithTx(ctx, func(ctx context.Context) error {
		created = 0
		for _, e := range entries {
			if e.id == "" {
				continue
			}
			ok, err := a.store.InsertBlock(ctx, e.list, e.id)
			if err != nil {
				return fmt.Errorf("failed to blocklist %s: %w", e.list, err)
			}
			if ok {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if created > 0 {
		slog.Info("blocklist registered",
			"user", params.User,
			"device", params.Device,
			"card", params.Card,
			"created", created,
		)
	}
	return created, nil
}

// Status reports blocklist membership of a case's identifiers.
type Status struct {
	User   bool
	Device bool
	Card   bool
}

// Checker reads blocklist membership.
type Checker struct {
	store Store
}

// NewChecker creates a new blocklist checker.
func NewChecker(store Store) *Checker {
	return &Checker{store: store}
}

// IsBlocked reports whether id is on list. An empty id is never blocked.
func (c *Checker) IsBlocked(ctx context.Context, list domain.Blocklist, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	return c.store.IsBlocked(ctx, list, id)
}

// Check looks up every present reference.
func (c *Checker) Check(ctx context.Context, refs domain.EntityRefs) (Status, error) {
	var s Status
	var err error

	if s.User, err = c.IsBlocked(ctx, domain.BlocklistUser, refs.User); err != nil {
		return Status{}, err
	}
	if s.Device, err = c.IsBlocked(ctx, domain.BlocklistDevice, refs.Device); err != nil {
		return Status{}, err
	}
	if s.Card, err = c.IsBlocked(ctx, domain.BlocklistCard, refs.Card); err != nil {
		return Status{}, err
	}
	return s, nil
}

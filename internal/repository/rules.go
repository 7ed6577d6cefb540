package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
)

// ListRules returns every stored rule ordered by rule id, enabled or not.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RuleDefinition, error) {
	query := `
		SELECT rule_id, expression, reason, action, target,
			   register_blocklist, register_targets, enabled, created_at, updated_at
		FROM rules
		ORDER BY rule_id ASC
	`

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*domain.RuleDefinition
	for rows.Next() {
		def, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	return defs, rows.Err()
}

// GetRule retrieves a rule by id.
func (r *SQLRepository) GetRule(ctx context.Context, ruleID string) (*domain.RuleDefinition, error) {
	query := `
		SELECT rule_id, expression, reason, action, target,
			   register_blocklist, register_targets, enabled, created_at, updated_at
		FROM rules
		WHERE rule_id = ?
	`

	def, err := scanRule(r.q(ctx).QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return def, err
}

// SaveRule inserts or replaces a rule definition.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleDefinition) error {
	if rule == nil || strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(rule.Expression) == "" {
		return fmt.Errorf("%w: rule expression is required", domain.ErrInvalidInput)
	}

	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	query := `
		INSERT INTO rules (
			rule_id, expression, reason, action, target,
			register_blocklist, register_targets, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			expression = excluded.expression,
			reason = excluded.reason,
			action = excluded.action,
			target = excluded.target,
			register_blocklist = excluded.register_blocklist,
			register_targets = excluded.register_targets,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.q(ctx).ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Expression, rule.Reason, rule.Action, rule.Target,
		boolToInt(rule.RegisterBlocklist), rule.RegisterTargets, boolToInt(rule.Enabled),
		rule.CreatedAt, rule.UpdatedAt,
	)
	return err
}

// DeleteRule removes a rule. The running cache keeps it until the next reload.
func (r *SQLRepository) DeleteRule(ctx context.Context, ruleID string) error {
	result, err := r.q(ctx).ExecContext(ctx, r.rebind(`DELETE FROM rules WHERE rule_id = ?`), ruleID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.RuleDefinition, error) {
	var def domain.RuleDefinition
	var registerBlocklist, enabled int

	if err := row.Scan(
		&def.ID, &def.Expression, &def.Reason, &def.Action, &def.Target,
		&registerBlocklist, &def.RegisterTargets, &enabled, &def.CreatedAt, &def.UpdatedAt,
	); err != nil {
		return nil, err
	}

	def.RegisterBlocklist = registerBlocklist == 1
	def.Enabled = enabled == 1
	return &def, nil
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/fds/internal/domain"
)

// blocklistTables maps each blocklist to its table and key column.
var blocklistTables = map[domain.Blocklist][2]string{
	domain.BlocklistUser:   {"user_blocks", "user_id"},
	domain.BlocklistDevice: {"device_blocks", "device_id"},
	domain.BlocklistCard:   {"card_blocks", "card_id"},
}

// InsertBlock adds id to a blocklist if absent. It reports whether a row was created.
func (r *SQLRepository) InsertBlock(ctx context.Context, list domain.Blocklist, id string) (bool, error) {
	table, ok := blocklistTables[list]
	if !ok {
		return false, fmt.Errorf("%w: unknown blocklist %q", domain.ErrInvalidInput, list)
	}
	if strings.TrimSpace(id) == "" {
		return false, fmt.Errorf("%w: blocklist id is required", domain.ErrInvalidInput)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s, created_at) VALUES (?, ?) ON CONFLICT(%s) DO NOTHING`,
		table[0], table[1], table[1],
	)

	result, err := r.q(ctx).ExecContext(ctx, r.rebind(query), id, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert into %s: %w", table[0], err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// IsBlocked reports whether id is present in a blocklist.
func (r *SQLRepository) IsBlocked(ctx context.Context, list domain.Blocklist, id string) (bool, error) {
	table, ok := blocklistTables[list]
	if !ok {
		return false, fmt.Errorf("%w: unknown blocklist %q", domain.ErrInvalidInput, list)
	}
	if id == "" {
		return false, nil
	}

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ?`, table[0], table[1])

	var count int
	if err := r.q(ctx).QueryRowContext(ctx, r.rebind(query), id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to read %s: %w", table[0], err)
	}
	return count > 0, nil
}

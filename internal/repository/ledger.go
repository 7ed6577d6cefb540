package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fds/internal/domain"
)

// ProcessedExists reports whether the event already has a ledger entry.
func (r *SQLRepository) ProcessedExists(ctx context.Context, shardID, eventType, aggregateID string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM processed_events
		WHERE shard_id = ? AND event_type = ? AND aggregate_id = ?
	`

	var count int
	if err := r.q(ctx).QueryRowContext(ctx, r.rebind(query), shardID, eventType, aggregateID).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return count > 0, nil
}

// InsertProcessed writes a ledger entry. A duplicate returns domain.ErrConflict.
func (r *SQLRepository) InsertProcessed(ctx context.Context, rec *domain.ProcessedRecord) error {
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processed_events (shard_id, event_type, aggregate_id, processed_at)
		VALUES (?, ?, ?, ?)
	`

	_, err := r.q(ctx).ExecContext(ctx, r.rebind(query),
		rec.ShardID, rec.EventType, rec.AggregateID, rec.ProcessedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: event %s/%s/%s already processed", domain.ErrConflict, rec.ShardID, rec.EventType, rec.AggregateID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert processed event: %w", err)
	}
	return nil
}

// InsertDeadLetter records a task that gave up.
func (r *SQLRepository) InsertDeadLetter(ctx context.Context, dl *domain.DeadLetter) error {
	if dl.ID == "" {
		dl.ID = uuid.New().String()
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = time.Now().UTC()
	}
	payload := string(dl.Payload)
	if payload == "" {
		payload = "{}"
	}

	query := `
		INSERT INTO dead_letters (
			id, outbox_id, shard_id, event_type, aggregate_id, payload, attempts, last_error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.q(ctx).ExecContext(ctx, r.rebind(query),
		dl.ID, dl.OutboxID, dl.ShardID, dl.EventType, dl.AggregateID,
		payload, dl.Attempts, dl.LastError, dl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns the most recent dead letters of a shard.
func (r *SQLRepository) ListDeadLetters(ctx context.Context, shardID string, limit int) ([]*domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, outbox_id, shard_id, event_type, aggregate_id, payload, attempts, last_error, created_at
		FROM dead_letters
		WHERE shard_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(query), shardID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var payload string
		if err := rows.Scan(
			&dl.ID, &dl.OutboxID, &dl.ShardID, &dl.EventType, &dl.AggregateID,
			&payload, &dl.Attempts, &dl.LastError, &dl.CreatedAt,
		); err != nil {
			return nil, err
		}
		dl.Payload = []byte(payload)
		letters = append(letters, &dl)
	}

	return letters, rows.Err()
}

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

// InsertOutbox appends a READY event and sets its id.
func (r *SQLRepository) InsertOutbox(ctx context.Context, event *domain.OutboxEvent) error {
	if event == nil || strings.TrimSpace(event.AggregateID) == "" || event.EventType == "" {
		return fmt.Errorf("%w: outbox event requires event type and aggregate id", domain.ErrInvalidInput)
	}
	if event.ShardID == "" {
		event.ShardID = domain.DefaultShard
	}
	if event.Status == "" {
		event.Status = domain.OutboxReady
	}
	if len(event.Payload) == 0 {
		event.Payload = []byte("{}")
	}
	event.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO outbox_events (shard_id, event_type, aggregate_id, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`

	err := r.q(ctx).QueryRowContext(ctx, r.rebind(query),
		event.ShardID, event.EventType, event.AggregateID,
		string(event.Payload), string(event.Status), event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimReady selects up to limit READY rows of a shard, oldest first, locking them for the
// surrounding transaction. On PostgreSQL rows locked by another claimer are skipped; on SQLite
// the immediate transaction already excludes concurrent claimers.
func (r *SQLRepository) ClaimReady(ctx context.Context, shardID string, limit int) ([]*domain.OutboxEvent, error) {
	if !inTx(ctx) {
		return nil, fmt.Errorf("%w: ClaimReady must run inside a transaction", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT id, shard_id, event_type, aggregate_id, payload, status, created_at
		FROM outbox_events
		WHERE shard_id = ? AND status = 'READY'
		ORDER BY id ASC
		LIMIT ?
	`
	if r.driver == "postgres" {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(query), shardID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// MarkSent flips a READY row to SENT and stamps sent_at.
func (r *SQLRepository) MarkSent(ctx context.Context, id int64) error {
	result, err := r.q(ctx).ExecContext(ctx,
		r.rebind(`UPDATE outbox_events SET status = ?, sent_at = ? WHERE id = ? AND status = ?`),
		string(domain.OutboxSent), time.Now().UTC(), id, string(domain.OutboxReady),
	)
	return checkTransition(result, err, id, domain.OutboxReady, domain.OutboxSent)
}

// ClaimStale selects up to limit SENT rows of a shard that were sent before cutoff and
// whose event has neither a ledger entry nor a dead letter, oldest first. The rows are
// locked like ClaimReady and keep their status.
func (r *SQLRepository) ClaimStale(ctx context.Context, shardID string, cutoff time.Time, limit int) ([]*domain.OutboxEvent, error) {
	if !inTx(ctx) {
		return nil, fmt.Errorf("%w: ClaimStale must run inside a transaction", domain.ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, nil
	}

	query := `
		SELECT o.id, o.shard_id, o.event_type, o.aggregate_id, o.payload, o.status, o.created_at
		FROM outbox_events o
		WHERE o.shard_id = ? AND o.status = 'SENT' AND o.sent_at < ?
		AND NOT EXISTS (
			SELECT 1 FROM processed_events p
			WHERE p.shard_id = o.shard_id
			AND p.event_type = o.event_type
			AND p.aggregate_id = o.aggregate_id
		)
		AND NOT EXISTS (
			SELECT 1 FROM dead_letters d WHERE d.outbox_id = o.id
		)
		ORDER BY o.id ASC
		LIMIT ?
	`
	if r.driver == "postgres" {
		query += ` FOR UPDATE OF o SKIP LOCKED`
	}

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(query), shardID, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim stale outbox events: %w", err)
	}
	defer rows.Close()

	var events []*domain.OutboxEvent
	for rows.Next() {
		event, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// TouchSent restamps sent_at of a SENT row after its task was enqueued again.
func (r *SQLRepository) TouchSent(ctx context.Context, id int64) error {
	result, err := r.q(ctx).ExecContext(ctx,
		r.rebind(`UPDATE outbox_events SET sent_at = ? WHERE id = ? AND status = ?`),
		time.Now().UTC(), id, string(domain.OutboxSent),
	)
	return checkTransition(result, err, id, domain.OutboxSent, domain.OutboxSent)
}

// MarkError flips a SENT row to ERROR after its task gave up.
func (r *SQLRepository) MarkError(ctx context.Context, id int64) error {
	return r.transition(ctx, id, domain.OutboxSent, domain.OutboxError)
}

func (r *SQLRepository) transition(ctx context.Context, id int64, from, to domain.OutboxStatus) error {
	result, err := r.q(ctx).ExecContext(ctx,
		r.rebind(`UPDATE outbox_events SET status = ? WHERE id = ? AND status = ?`),
		string(to), id, string(from),
	)
	return checkTransition(result, err, id, from, to)
}

func checkTransition(result sql.Result, err error, id int64, from, to domain.OutboxStatus) error {
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %d %s: %w", id, to, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: outbox event %d is not %s", domain.ErrConflict, id, from)
	}
	return nil
}

// GetOutboxEvent retrieves an outbox row by id.
func (r *SQLRepository) GetOutboxEvent(ctx context.Context, id int64) (*domain.OutboxEvent, error) {
	query := `
		SELECT id, shard_id, event_type, aggregate_id, payload, status, created_at
		FROM outbox_events
		WHERE id = ?
	`

	event, err := scanOutbox(r.q(ctx).QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return event, err
}

func scanOutbox(row rowScanner) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	var payload, status string

	if err := row.Scan(
		&event.ID, &event.ShardID, &event.EventType, &event.AggregateID,
		&payload, &status, &event.CreatedAt,
	); err != nil {
		return nil, err
	}

	event.Payload = []byte(payload)
	event.Status = domain.OutboxStatus(status)
	return &event, nil
}

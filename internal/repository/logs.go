package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/fds/internal/domain"
)

// SaveDetectionLog persists the audit record of a decision.
func (r *SQLRepository) SaveDetectionLog(ctx context.Context, log *domain.DetectionLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	reasons, err := json.Marshal(nonNil(log.Reasons))
	if err != nil {
		return err
	}
	hits, err := json.Marshal(log.Hits)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO detection_logs (id, case_kind, case_id, decision, reasons, hits, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.q(ctx).ExecContext(ctx, r.rebind(query),
		log.ID, string(log.CaseKind), log.CaseID, log.Decision.String(),
		string(reasons), string(hits), log.Source, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save detection log: %w", err)
	}
	return nil
}

// ListDetectionLogs returns the decisions recorded for a case, oldest first.
func (r *SQLRepository) ListDetectionLogs(ctx context.Context, kind domain.CaseKind, caseID string) ([]*domain.DetectionLog, error) {
	query := `
		SELECT id, case_kind, case_id, decision, reasons, hits, source, created_at
		FROM detection_logs
		WHERE case_kind = ? AND case_id = ?
		ORDER BY created_at ASC
	`

	rows, err := r.q(ctx).QueryContext(ctx, r.rebind(query), string(kind), caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.DetectionLog
	for rows.Next() {
		var l domain.DetectionLog
		var kindStr, decision, reasons, hits string

		if err := rows.Scan(&l.ID, &kindStr, &l.CaseID, &decision, &reasons, &hits, &l.Source, &l.CreatedAt); err != nil {
			return nil, err
		}

		l.CaseKind = domain.CaseKind(kindStr)
		if l.Decision, err = domain.ParseDecision(decision); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(reasons), &l.Reasons)
		_ = json.Unmarshal([]byte(hits), &l.Hits)
		logs = append(logs, &l)
	}

	return logs, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

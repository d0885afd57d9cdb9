package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit outcome vocabulary. Per-entity rows use success/failure/skipped;
// a run-level summary row uses completed.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeCompleted = "completed"
)

// LogEntry is one audit row for a bulk action.
type LogEntry struct {
	ID           string    `json:"id"`
	BulkActionID string    `json:"bulkActionId"`
	EntityID     string    `json:"entityId,omitempty"`
	Outcome      string    `json:"outcome"`
	Message      string    `json:"message,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditStore is the side-channel audit log for bulk actions. Per-entity
// outcome rows are written by the entity store inside the outcome
// transaction; this store covers run-level records and reads.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store backed by db.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// RecordCompletion appends a run-completion summary row for an action.
func (s *AuditStore) RecordCompletion(ctx context.Context, bulkActionID string, summary CompletionSummary) error {
	msg, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal completion summary: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bulk_action_logs (bulk_action_id, outcome, message)
		VALUES ($1, $2, $3)
	`, bulkActionID, OutcomeCompleted, string(msg)); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}

// ListByAction returns an action's audit trail, oldest first.
func (s *AuditStore) ListByAction(ctx context.Context, bulkActionID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bulk_action_id, COALESCE(entity_id, ''), outcome, COALESCE(message, ''), created_at
		FROM bulk_action_logs
		WHERE bulk_action_id = $1
		ORDER BY created_at
		LIMIT $2
	`, bulkActionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.BulkActionID, &e.EntityID, &e.Outcome, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityStore is the PostgreSQL work-item store. Entities are created in
// pending status during fan-out and mutated exactly once to a terminal
// status by the batch processor.
type EntityStore struct {
	db *sql.DB
}

// NewEntityStore creates an entity store backed by db.
func NewEntityStore(db *sql.DB) *EntityStore {
	return &EntityStore{db: db}
}

// insertChunkSize bounds parameters per statement (4 params per row).
const insertChunkSize = 1000

// CreateBatch bulk-inserts entities for an action in pending status.
// Duplicate (bulk_action_id, entity_id) pairs are dropped by the unique
// index without aborting the rest of the batch. Returns the number of
// rows actually inserted.
func (s *EntityStore) CreateBatch(ctx context.Context, bulkActionID string, entities []EntityInput) (int, error) {
	inserted := 0
	for start := 0; start < len(entities); start += insertChunkSize {
		end := start + insertChunkSize
		if end > len(entities) {
			end = len(entities)
		}
		n, err := s.insertChunk(ctx, bulkActionID, entities[start:end])
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (s *EntityStore) insertChunk(ctx context.Context, bulkActionID string, entities []EntityInput) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}

	placeholders := make([]string, 0, len(entities))
	args := make([]any, 0, len(entities)*4)
	idx := 1
	for _, e := range entities {
		data, err := json.Marshal(e.EntityData)
		if err != nil {
			return 0, fmt.Errorf("marshal entity data: %w", err)
		}
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d)", idx, idx+1, idx+2, idx+3))
		args = append(args, uuid.New().String(), bulkActionID, e.EntityID, string(data))
		idx += 4
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bulk_action_entities (id, bulk_action_id, entity_id, entity_data)
		VALUES `+strings.Join(placeholders, ", ")+`
		ON CONFLICT (bulk_action_id, entity_id) DO NOTHING
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("insert entities: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FetchPending returns up to limit pending entities for an action, in
// insertion order. An empty result means the action has no work left.
func (s *EntityStore) FetchPending(ctx context.Context, bulkActionID string, limit int) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bulk_action_id, entity_id, entity_data, status, COALESCE(error_message, ''),
		       created_at, updated_at
		FROM bulk_action_entities
		WHERE bulk_action_id = $1 AND status = $2
		ORDER BY created_at
		LIMIT $3
	`, bulkActionID, EntityPending, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// RecordOutcome sets an entity's terminal status and appends the matching
// audit log row in one transaction. If either write fails the entity
// stays pending and will be retried on a later pass.
func (s *EntityStore) RecordOutcome(ctx context.Context, e Entity, status EntityStatus, outcome, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback()

	var errMsg any
	if message != "" && status == EntityFailed {
		errMsg = message
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bulk_action_entities
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, e.ID, status, errMsg, EntityPending); err != nil {
		return fmt.Errorf("update entity status: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO bulk_action_logs (bulk_action_id, entity_id, outcome, message)
		VALUES ($1, $2, $3, $4)
	`, e.BulkActionID, e.EntityID, outcome, message); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	return nil
}

// AggregateStats derives an action's counters from its entities' status.
// The entity store is the source of truth for converged stats; processed
// maps onto the success counter.
func (s *EntityStore) AggregateStats(ctx context.Context, bulkActionID string) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM bulk_action_entities
		WHERE bulk_action_id = $1
		GROUP BY status
	`, bulkActionID)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate entity stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return Stats{}, err
		}
		stats.Total += n
		switch EntityStatus(st) {
		case EntityProcessed:
			stats.Success += n
		case EntityFailed:
			stats.Failed += n
		case EntitySkipped:
			stats.Skipped += n
		}
	}
	return stats, rows.Err()
}

// StatusCounts breaks an action's entities down by status for the stats
// endpoint.
func (s *EntityStore) StatusCounts(ctx context.Context, bulkActionID string) (EntityStatusCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM bulk_action_entities
		WHERE bulk_action_id = $1
		GROUP BY status
	`, bulkActionID)
	if err != nil {
		return EntityStatusCounts{}, fmt.Errorf("entity status counts: %w", err)
	}
	defer rows.Close()

	var c EntityStatusCounts
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return EntityStatusCounts{}, err
		}
		c.Total += n
		switch EntityStatus(st) {
		case EntityPending:
			c.Pending += n
		case EntityProcessed:
			c.Processed += n
		case EntityFailed:
			c.Failed += n
		case EntitySkipped:
			c.Skipped += n
		}
	}
	return c, rows.Err()
}

// List returns one page of an action's entities, optionally filtered by
// status, with the unfiltered-match total for pagination.
func (s *EntityStore) List(ctx context.Context, bulkActionID, status string, offset, limit int) ([]Entity, int, error) {
	where := `WHERE bulk_action_id = $1`
	args := []any{bulkActionID}
	if status != "" && IsValidEntityStatus(status) {
		where += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bulk_action_entities `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entities: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, bulk_action_id, entity_id, entity_data, status, COALESCE(error_message, ''),
		       created_at, updated_at
		FROM bulk_action_entities %s
		ORDER BY created_at
		OFFSET $%d LIMIT $%d`, where, len(args)+1, len(args)+2)
	args = append(args, offset, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out, err := scanEntities(rows)
	return out, total, err
}

func scanEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var e Entity
		var data []byte
		if err := rows.Scan(&e.ID, &e.BulkActionID, &e.EntityID, &data, &e.Status,
			&e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.EntityData); err != nil {
				return nil, fmt.Errorf("unmarshal entity data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

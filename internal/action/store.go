package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the PostgreSQL action record store.
type Store struct {
	db *sql.DB
}

// NewStore creates an action record store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const actionColumns = `
	id, action_type, status, scheduled_for, account_id, config,
	stats_total, stats_success, stats_failed, stats_skipped,
	created_at, updated_at`

// Create persists a new action record in pending status with zeroed stats
// and returns it with its assigned id and timestamps.
func (s *Store) Create(ctx context.Context, a *BulkAction) (*BulkAction, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AccountID == "" {
		a.AccountID = DefaultAccountID
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	cfg, err := json.Marshal(a.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bulk_actions (id, action_type, status, scheduled_for, account_id, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+actionColumns, a.ID, a.ActionType, a.Status, a.ScheduledFor, a.AccountID, string(cfg))
	return scanAction(row)
}

// Get returns a single action record. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*BulkAction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM bulk_actions WHERE id = $1
	`, id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

// ListFilter controls filtering for action listings. Empty fields match
// everything.
type ListFilter struct {
	Status    string
	AccountID string
}

// List returns actions matching the filter, newest first. An unknown
// status value is ignored rather than rejected.
func (s *Store) List(ctx context.Context, f ListFilter) ([]BulkAction, error) {
	query := `SELECT ` + actionColumns + ` FROM bulk_actions WHERE 1=1`
	var args []any
	idx := 1

	if f.Status != "" && IsValidStatus(f.Status) {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.AccountID != "" {
		query += fmt.Sprintf(" AND account_id = $%d", idx)
		args = append(args, f.AccountID)
		idx++
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []BulkAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// SetStatus transitions an action's status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bulk_actions SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// UpdateStats persists the success/failed/skipped counters. Total is
// fixed at fan-out time and never touched here.
func (s *Store) UpdateStats(ctx context.Context, id string, stats Stats) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bulk_actions
		SET stats_success = $2, stats_failed = $3, stats_skipped = $4, updated_at = NOW()
		WHERE id = $1
	`, id, stats.Success, stats.Failed, stats.Skipped)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return nil
}

// SetStatsTotal fixes the action's total entity count after fan-out.
func (s *Store) SetStatsTotal(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bulk_actions SET stats_total = $2, updated_at = NOW() WHERE id = $1
	`, id, total)
	if err != nil {
		return fmt.Errorf("set stats total: %w", err)
	}
	return nil
}

// ClaimDue atomically flips every pending action whose scheduled time has
// passed to queued and returns the claimed set. The single-statement claim
// is what makes repeated scheduler ticks promote each action exactly once.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) ([]BulkAction, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE bulk_actions
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND scheduled_for IS NOT NULL AND scheduled_for <= $3
		RETURNING `+actionColumns, StatusQueued, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("claim due actions: %w", err)
	}
	defer rows.Close()

	var out []BulkAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// StatusSummary returns the number of actions per status, optionally
// scoped to one account. Statuses with no actions report zero.
func (s *Store) StatusSummary(ctx context.Context, accountID string) (map[Status]int, error) {
	query := `SELECT status, COUNT(*) FROM bulk_actions`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = $1`
		args = append(args, accountID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("status summary: %w", err)
	}
	defer rows.Close()

	summary := make(map[Status]int, len(ValidStatuses))
	for _, st := range ValidStatuses {
		summary[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		if IsValidStatus(st) {
			summary[Status(st)] = n
		}
	}
	return summary, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(r rowScanner) (*BulkAction, error) {
	var a BulkAction
	var scheduledFor sql.NullTime
	var cfg []byte
	err := r.Scan(
		&a.ID, &a.ActionType, &a.Status, &scheduledFor, &a.AccountID, &cfg,
		&a.Stats.Total, &a.Stats.Success, &a.Stats.Failed, &a.Stats.Skipped,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time
		a.ScheduledFor = &t
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &a.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if a.Config == nil {
		a.Config = map[string]any{}
	}
	return &a, nil
}

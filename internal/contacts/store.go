// Package contacts persists the contact records that bulk actions mutate.
package contacts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Contact is one CRM contact, keyed by email.
type Contact struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Age    int    `json:"age,omitempty"`
	Status string `json:"status,omitempty"`
}

// Known contact columns; anything else lands in the extras JSONB column
// so handler configs can set arbitrary fields.
var contactColumns = map[string]bool{
	"name":   true,
	"age":    true,
	"status": true,
}

// Store is the PostgreSQL contact store.
type Store struct {
	db *sql.DB
}

// NewStore creates a contact store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Update upserts the contact with the given email and applies fields.
// Known columns are set directly; unknown keys are merged into extras.
func (s *Store) Update(ctx context.Context, email string, fields map[string]any) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{email}
	idx := 2

	extras := make(map[string]any)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if contactColumns[k] {
			sets = append(sets, fmt.Sprintf("%s = $%d", k, idx))
			args = append(args, fmt.Sprintf("%v", fields[k]))
			idx++
		} else {
			extras[k] = fields[k]
		}
	}
	if len(extras) > 0 {
		raw, err := json.Marshal(extras)
		if err != nil {
			return fmt.Errorf("marshal extras: %w", err)
		}
		sets = append(sets, fmt.Sprintf("extras = COALESCE(extras, '{}'::jsonb) || $%d::jsonb", idx))
		args = append(args, string(raw))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE contacts SET %s WHERE LOWER(email) = LOWER($1)
	`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		name, _ := fields["name"].(string)
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO contacts (email, name, created_at, updated_at)
			VALUES ($1, $2, NOW(), NOW())
			ON CONFLICT (email) DO NOTHING
		`, email, name)
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
	}
	return nil
}

// Delete removes the contact with the given email. Returns false when no
// such contact existed.
func (s *Store) Delete(ctx context.Context, email string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM contacts WHERE LOWER(email) = LOWER($1)
	`, email)
	if err != nil {
		return false, fmt.Errorf("delete contact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns a contact by email, or nil when absent.
func (s *Store) Get(ctx context.Context, email string) (*Contact, error) {
	var c Contact
	var age sql.NullInt64
	var status sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, age, status FROM contacts WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&c.ID, &c.Name, &c.Email, &age, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Age = int(age.Int64)
	c.Status = status.String
	return &c, nil
}

package handler

import (
	"context"
	"fmt"

	"github.com/crmforge/bulkactions/internal/pkg/logger"
)

// ActionTypeUpdate is the action-type identifier for bulk contact updates.
const ActionTypeUpdate = "bulk-update"

// ActionTypeDelete is the action-type identifier for bulk contact deletes.
const ActionTypeDelete = "bulk-delete"

// ContactStore is the slice of contact persistence the handlers need.
type ContactStore interface {
	// Update applies fields to the contact with the given email,
	// creating it if absent.
	Update(ctx context.Context, email string, fields map[string]any) error

	// Delete removes the contact with the given email. Returns false if
	// no such contact existed.
	Delete(ctx context.Context, email string) (bool, error)
}

// BulkUpdateHandler updates contact records by email. Duplicate emails
// (within or across actions) are skipped via the shared dedup index.
type BulkUpdateHandler struct {
	contacts ContactStore
	dedup    *Deduplicator
}

// NewBulkUpdateHandler creates the bulk-update handler.
func NewBulkUpdateHandler(contacts ContactStore, dedup *Deduplicator) *BulkUpdateHandler {
	return &BulkUpdateHandler{contacts: contacts, dedup: dedup}
}

// ActionType implements Handler.
func (h *BulkUpdateHandler) ActionType() string { return ActionTypeUpdate }

// ValidatePayload requires config.fieldsToUpdate and checks the config
// against the handler's schema.
func (h *BulkUpdateHandler) ValidatePayload(_ context.Context, p Payload) error {
	if p.Config == nil {
		return fmt.Errorf("config.fieldsToUpdate is required")
	}
	if _, ok := p.Config["fieldsToUpdate"].(map[string]any); !ok {
		return fmt.Errorf("config.fieldsToUpdate is required")
	}
	return validateConfigSchema(h.DescribeConfigSchema(), p.Config)
}

// ProcessEntity updates one contact. The entity's own name/age fields are
// applied first, then the action-wide fieldsToUpdate override them.
func (h *BulkUpdateHandler) ProcessEntity(ctx context.Context, entity map[string]any, config map[string]any) (Result, error) {
	email, _ := entity["email"].(string)
	if email == "" {
		return Result{}, fmt.Errorf("no email found for the entity")
	}

	if h.dedup.IsDuplicate(email) {
		logger.Warn("duplicate entity skipped", "email", email)
		return Result{Skipped: true, Message: "duplicate email detected"}, nil
	}

	fields := make(map[string]any)
	if name, ok := entity["name"].(string); ok && name != "" {
		fields["name"] = name
	}
	if age, ok := entity["age"]; ok {
		fields["age"] = age
	}
	if ftu, ok := config["fieldsToUpdate"].(map[string]any); ok {
		for k, v := range ftu {
			fields[k] = v
		}
	}

	if err := h.contacts.Update(ctx, email, fields); err != nil {
		return Result{}, fmt.Errorf("failed to update: %w", err)
	}

	logger.Info("entity updated", "email", email)
	return Result{Success: true, Message: "entity updated successfully"}, nil
}

// DescribeConfigSchema implements Handler.
func (h *BulkUpdateHandler) DescribeConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fieldsToUpdate": map[string]any{"type": "object"},
			"scheduledFor":   map[string]any{"type": "string"},
		},
		"required": []any{"fieldsToUpdate"},
	}
}

// BulkDeleteHandler removes contact records by email. A missing contact
// is a skip, not a failure.
type BulkDeleteHandler struct {
	contacts ContactStore
}

// NewBulkDeleteHandler creates the bulk-delete handler.
func NewBulkDeleteHandler(contacts ContactStore) *BulkDeleteHandler {
	return &BulkDeleteHandler{contacts: contacts}
}

// ActionType implements Handler.
func (h *BulkDeleteHandler) ActionType() string { return ActionTypeDelete }

// ValidatePayload checks the config against the handler's schema; no
// fields are required for a delete.
func (h *BulkDeleteHandler) ValidatePayload(_ context.Context, p Payload) error {
	return validateConfigSchema(h.DescribeConfigSchema(), p.Config)
}

// ProcessEntity deletes one contact by email.
func (h *BulkDeleteHandler) ProcessEntity(ctx context.Context, entity map[string]any, _ map[string]any) (Result, error) {
	email, _ := entity["email"].(string)
	if email == "" {
		return Result{}, fmt.Errorf("no email found for the entity")
	}

	deleted, err := h.contacts.Delete(ctx, email)
	if err != nil {
		return Result{}, fmt.Errorf("failed to delete: %w", err)
	}
	if !deleted {
		return Result{Skipped: true, Message: "contact not found"}, nil
	}

	logger.Info("entity deleted", "email", email)
	return Result{Success: true, Message: "entity deleted successfully"}, nil
}

// DescribeConfigSchema implements Handler.
func (h *BulkDeleteHandler) DescribeConfigSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"scheduledFor": map[string]any{"type": "string"},
		},
	}
}

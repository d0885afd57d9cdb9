package action

import "time"

// Status is the lifecycle state of a bulk action.
type Status string

const (
	StatusPending             Status = "pending"
	StatusQueued              Status = "queued"
	StatusProcessing          Status = "processing"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
)

// ValidStatuses lists every status a caller may filter on. Unknown status
// filters are ignored rather than rejected.
var ValidStatuses = []Status{
	StatusPending,
	StatusQueued,
	StatusProcessing,
	StatusCompleted,
	StatusCompletedWithErrors,
	StatusFailed,
}

// IsValidStatus reports whether s is a known action status.
func IsValidStatus(s string) bool {
	for _, v := range ValidStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCompletedWithErrors || s == StatusFailed
}

// Stats holds aggregate counters for a bulk action. Total is fixed once
// entity fan-out completes; the other counters converge toward it during
// processing, with Success+Failed+Skipped <= Total at all times.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// BulkAction is one submitted bulk-mutation request.
type BulkAction struct {
	ID           string         `json:"id"`
	ActionType   string         `json:"actionType"`
	Status       Status         `json:"status"`
	ScheduledFor *time.Time     `json:"scheduledFor,omitempty"`
	AccountID    string         `json:"accountId"`
	Config       map[string]any `json:"config"`
	Stats        Stats          `json:"stats"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// EntityStatus is the per-entity work item state.
type EntityStatus string

const (
	EntityPending   EntityStatus = "pending"
	EntityProcessed EntityStatus = "processed"
	EntityFailed    EntityStatus = "failed"
	EntitySkipped   EntityStatus = "skipped"
)

// IsValidEntityStatus reports whether s is a known entity status.
func IsValidEntityStatus(s string) bool {
	switch EntityStatus(s) {
	case EntityPending, EntityProcessed, EntityFailed, EntitySkipped:
		return true
	}
	return false
}

// Entity is one unit of work within a bulk action, tracked to a terminal
// status. (BulkActionID, EntityID) is unique.
type Entity struct {
	ID           string         `json:"id"`
	BulkActionID string         `json:"bulkActionId"`
	EntityID     string         `json:"entityId"`
	EntityData   map[string]any `json:"entityData"`
	Status       EntityStatus   `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// EntityInput is one entity to fan out during intake.
type EntityInput struct {
	EntityID   string
	EntityData map[string]any
}

// EntityStatusCounts breaks an action's entities down by status.
type EntityStatusCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// CompletionSummary is recorded on the audit side-channel when a
// processing run finishes.
type CompletionSummary struct {
	SuccessCount int `json:"successCount"`
	FailedCount  int `json:"failedCount"`
	SkippedCount int `json:"skippedCount"`
	TotalCount   int `json:"totalCount"`
}

// DefaultAccountID is used when a request carries no X-Account-ID.
const DefaultAccountID = "default"

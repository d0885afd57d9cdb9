package action

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/crmforge/bulkactions/internal/handler"
)

// ActionRepo is the persistence surface the service needs for bulk action
// records.
type ActionRepo interface {
	Create(ctx context.Context, a *BulkAction) (*BulkAction, error)
	Get(ctx context.Context, id string) (*BulkAction, error)
	List(ctx context.Context, f ListFilter) ([]BulkAction, error)
	SetStatus(ctx context.Context, id string, status Status) error
	SetStatsTotal(ctx context.Context, id string, total int) error
	StatusSummary(ctx context.Context, accountID string) (map[Status]int, error)
}

// EntityRepo is the persistence surface for per-entity work items.
type EntityRepo interface {
	CreateBatch(ctx context.Context, bulkActionID string, entities []EntityInput) (int, error)
	StatusCounts(ctx context.Context, bulkActionID string) (EntityStatusCounts, error)
	List(ctx context.Context, bulkActionID, status string, offset, limit int) ([]Entity, int, error)
}

// LogRepo reads the side-channel audit trail.
type LogRepo interface {
	ListByAction(ctx context.Context, bulkActionID string, limit int) ([]LogEntry, error)
}

// Enqueuer hands an accepted action to the work queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, actionID string) error
}

// CreateRequest is a validated-shape intake request for a bulk action.
type CreateRequest struct {
	ActionType   string
	AccountID    string
	Config       map[string]any
	Entities     []EntityInput
	ScheduledFor *time.Time
}

// Service owns the intake lifecycle of bulk actions: validation, record
// creation, entity fan-out, and immediate-versus-deferred dispatch.
type Service struct {
	actions  ActionRepo
	entities EntityRepo
	logs     LogRepo
	queue    Enqueuer
	registry *handler.Registry
	now      func() time.Time
}

// NewService wires an intake service.
func NewService(actions ActionRepo, entities EntityRepo, logs LogRepo, queue Enqueuer, registry *handler.Registry) *Service {
	return &Service{
		actions:  actions,
		entities: entities,
		logs:     logs,
		queue:    queue,
		registry: registry,
		now:      time.Now,
	}
}

// CreateBulkAction validates and accepts a bulk action request. Validation
// failures reject the request before any record is persisted. Entity
// fan-out happens inline so the returned action carries its final Total.
func (s *Service) CreateBulkAction(ctx context.Context, req CreateRequest) (*BulkAction, error) {
	h, ok := s.registry.Get(req.ActionType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedActionType, req.ActionType)
	}
	if len(req.Entities) == 0 {
		return nil, fmt.Errorf("%w: no entities supplied", ErrInvalidPayload)
	}

	payload := handler.Payload{
		AccountID: req.AccountID,
		Config:    req.Config,
		Entities:  make([]map[string]any, 0, len(req.Entities)),
	}
	for _, e := range req.Entities {
		payload.Entities = append(payload.Entities, e.EntityData)
	}
	if err := h.ValidatePayload(ctx, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = DefaultAccountID
	}

	a, err := s.actions.Create(ctx, &BulkAction{
		ActionType:   req.ActionType,
		Status:       StatusPending,
		ScheduledFor: scheduledTime(req.ScheduledFor, req.Config),
		AccountID:    accountID,
		Config:       req.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("create bulk action: %w", err)
	}

	inserted, err := s.entities.CreateBatch(ctx, a.ID, req.Entities)
	if err != nil {
		return nil, fmt.Errorf("fan out entities: %w", err)
	}
	if err := s.actions.SetStatsTotal(ctx, a.ID, inserted); err != nil {
		return nil, fmt.Errorf("record entity total: %w", err)
	}
	a.Stats.Total = inserted

	if err := s.dispatch(ctx, a); err != nil {
		return nil, err
	}
	log.Printf("[BulkActionService] Accepted action %s type=%s entities=%d scheduled=%v",
		a.ID, a.ActionType, inserted, a.ScheduledFor != nil)
	return a, nil
}

// scheduledTime resolves an action's schedule: an explicit request field
// wins, otherwise config.scheduledFor (RFC 3339) is honored. Unparseable
// config values mean no deferral.
func scheduledTime(explicit *time.Time, config map[string]any) *time.Time {
	if explicit != nil {
		return explicit
	}
	raw, _ := config["scheduledFor"].(string)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

// dispatch decides between immediate enqueue and deferral. An action with
// no schedule is enqueued right away and left pending for the processor to
// pick up. A past schedule is enqueued immediately and flipped to queued so
// the scheduler cannot promote it a second time. A future schedule is left
// for the scheduler.
func (s *Service) dispatch(ctx context.Context, a *BulkAction) error {
	if a.ScheduledFor == nil {
		if err := s.queue.Enqueue(ctx, a.ID); err != nil {
			return fmt.Errorf("enqueue action %s: %w", a.ID, err)
		}
		return nil
	}
	if a.ScheduledFor.After(s.now()) {
		return nil
	}
	if err := s.queue.Enqueue(ctx, a.ID); err != nil {
		return fmt.Errorf("enqueue action %s: %w", a.ID, err)
	}
	if err := s.actions.SetStatus(ctx, a.ID, StatusQueued); err != nil {
		return fmt.Errorf("mark action %s queued: %w", a.ID, err)
	}
	a.Status = StatusQueued
	return nil
}

// GetAllActions lists actions matching the filter, newest first.
func (s *Service) GetAllActions(ctx context.Context, f ListFilter) ([]BulkAction, error) {
	return s.actions.List(ctx, f)
}

// GetActionByID fetches a single action.
func (s *Service) GetActionByID(ctx context.Context, id string) (*BulkAction, error) {
	return s.actions.Get(ctx, id)
}

// GetStats returns an action's aggregate counters alongside the per-entity
// status breakdown.
func (s *Service) GetStats(ctx context.Context, id string) (*BulkAction, EntityStatusCounts, error) {
	a, err := s.actions.Get(ctx, id)
	if err != nil {
		return nil, EntityStatusCounts{}, err
	}
	counts, err := s.entities.StatusCounts(ctx, id)
	if err != nil {
		return nil, EntityStatusCounts{}, fmt.Errorf("entity status counts: %w", err)
	}
	return a, counts, nil
}

// StatusSummary returns the per-status action counts for an account, with
// every known status present.
func (s *Service) StatusSummary(ctx context.Context, accountID string) (map[Status]int, error) {
	return s.actions.StatusSummary(ctx, accountID)
}

// ListEntities pages through an action's entities, optionally filtered by
// status. It verifies the action exists so callers get ErrNotFound rather
// than an empty page for a bogus id.
func (s *Service) ListEntities(ctx context.Context, id, status string, offset, limit int) ([]Entity, int, error) {
	if _, err := s.actions.Get(ctx, id); err != nil {
		return nil, 0, err
	}
	return s.entities.List(ctx, id, status, offset, limit)
}

// ListLogs returns an action's audit trail, oldest first. The action is
// fetched first so a bogus id yields ErrNotFound rather than an empty
// trail.
func (s *Service) ListLogs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	if _, err := s.actions.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.logs.ListByAction(ctx, id, limit)
}

// ActionTypes returns the action types the service can execute.
func (s *Service) ActionTypes() []string {
	return s.registry.Types()
}

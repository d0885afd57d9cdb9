package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/pkg/httputil"
	"github.com/crmforge/bulkactions/internal/storage"
)

// maxUploadMemory caps the in-memory portion of a multipart upload; the
// rest spools to disk.
const maxUploadMemory = 32 << 20

// maxUploadBytes caps the whole multipart upload request body.
const maxUploadBytes = 5 << 20

// ActionService is the intake surface the HTTP layer drives.
type ActionService interface {
	CreateBulkAction(ctx context.Context, req action.CreateRequest) (*action.BulkAction, error)
	CreateBulkActionFromFile(ctx context.Context, req action.FileRequest, file io.Reader) (*action.BulkAction, error)
	GetAllActions(ctx context.Context, f action.ListFilter) ([]action.BulkAction, error)
	GetActionByID(ctx context.Context, id string) (*action.BulkAction, error)
	GetStats(ctx context.Context, id string) (*action.BulkAction, action.EntityStatusCounts, error)
	StatusSummary(ctx context.Context, accountID string) (map[action.Status]int, error)
	ListEntities(ctx context.Context, id, status string, offset, limit int) ([]action.Entity, int, error)
	ListLogs(ctx context.Context, id string, limit int) ([]action.LogEntry, error)
	ActionTypes() []string
}

// Handlers holds the HTTP handler set.
type Handlers struct {
	svc      ActionService
	hub      *notify.Hub
	archiver *storage.Archiver // nil disables archiving
}

// NewHandlers creates the handler set.
func NewHandlers(svc ActionService, hub *notify.Hub, archiver *storage.Archiver) *Handlers {
	return &Handlers{svc: svc, hub: hub, archiver: archiver}
}

// HealthCheck reports liveness.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type createBulkActionRequest struct {
	ActionType   string           `json:"actionType"`
	Config       map[string]any   `json:"config"`
	Entities     []map[string]any `json:"entities"`
	ScheduledFor string           `json:"scheduledFor,omitempty"`
}

// CreateBulkAction accepts a JSON intake request.
func (h *Handlers) CreateBulkAction(w http.ResponseWriter, r *http.Request) {
	var req createBulkActionRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ActionType == "" {
		httputil.BadRequest(w, "actionType is required")
		return
	}

	scheduledFor, err := parseScheduledFor(req.ScheduledFor)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	entities := make([]action.EntityInput, 0, len(req.Entities))
	for i, e := range req.Entities {
		id, ok := entityID(e)
		if !ok {
			httputil.BadRequest(w, fmt.Sprintf("entities[%d] is missing an id", i))
			return
		}
		entities = append(entities, action.EntityInput{EntityID: id, EntityData: e})
	}

	a, err := h.svc.CreateBulkAction(r.Context(), action.CreateRequest{
		ActionType:   req.ActionType,
		AccountID:    accountID(r),
		Config:       req.Config,
		Entities:     entities,
		ScheduledFor: scheduledFor,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, a)
}

// UploadBulkAction accepts a multipart intake request whose entities come
// from an attached CSV file.
func (h *Handlers) UploadBulkAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		httputil.BadRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	actionType := r.FormValue("actionType")
	if actionType == "" {
		httputil.BadRequest(w, "actionType is required")
		return
	}

	var config map[string]any
	if raw := r.FormValue("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &config); err != nil {
			httputil.BadRequest(w, "config is not valid JSON: "+err.Error())
			return
		}
	}

	scheduledFor, err := parseScheduledFor(r.FormValue("scheduledFor"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	a, err := h.svc.CreateBulkActionFromFile(r.Context(), action.FileRequest{
		ActionType:   actionType,
		AccountID:    accountID(r),
		Config:       config,
		ScheduledFor: scheduledFor,
	}, file)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	// Multipart files are seekable, so the ingested stream can be rewound
	// for archival.
	if _, err := file.Seek(0, io.SeekStart); err == nil {
		h.archiver.ArchiveUpload(r.Context(), a.ID, file)
	}

	httputil.Created(w, a)
}

// ListBulkActions lists the account's actions, optionally filtered by
// ?status=. Unknown status values are ignored, matching the store.
func (h *Handlers) ListBulkActions(w http.ResponseWriter, r *http.Request) {
	actions, err := h.svc.GetAllActions(r.Context(), action.ListFilter{
		Status:    r.URL.Query().Get("status"),
		AccountID: accountID(r),
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if actions == nil {
		actions = []action.BulkAction{}
	}
	httputil.OK(w, map[string]any{"actions": actions, "count": len(actions)})
}

// ListActionTypes lists the action types the platform can execute.
func (h *Handlers) ListActionTypes(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"actionTypes": h.svc.ActionTypes()})
}

// GetBulkAction fetches one action.
func (h *Handlers) GetBulkAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.GetActionByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, a)
}

// GetBulkActionStats returns aggregate counters plus the per-entity status
// breakdown.
func (h *Handlers) GetBulkActionStats(w http.ResponseWriter, r *http.Request) {
	a, counts, err := h.svc.GetStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"id":       a.ID,
		"status":   a.Status,
		"stats":    a.Stats,
		"entities": counts,
	})
}

// ListBulkActionEntities pages through an action's entities.
func (h *Handlers) ListBulkActionEntities(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pagination(r)
	status := r.URL.Query().Get("status")
	if status != "" && !action.IsValidEntityStatus(status) {
		httputil.BadRequest(w, "unknown entity status: "+status)
		return
	}

	entities, total, err := h.svc.ListEntities(r.Context(), chi.URLParam(r, "id"), status, (page-1)*pageSize, pageSize)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entities == nil {
		entities = []action.Entity{}
	}
	httputil.OK(w, map[string]any{
		"entities": entities,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// ListBulkActionLogs returns an action's audit trail, oldest first.
func (h *Handlers) ListBulkActionLogs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if limit > 500 {
		limit = 500
	}

	id := chi.URLParam(r, "id")
	logs, err := h.svc.ListLogs(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if logs == nil {
		logs = []action.LogEntry{}
	}
	httputil.OK(w, map[string]any{"actionId": id, "logs": logs})
}

// StatusSummary returns per-status action counts for the account.
func (h *Handlers) StatusSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.StatusSummary(r.Context(), accountID(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"summary": summary})
}

// writeServiceError maps service sentinel errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, action.ErrNotFound):
		httputil.NotFound(w, "bulk action not found")
	case errors.Is(err, action.ErrUnsupportedActionType):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, action.ErrInvalidPayload):
		httputil.UnprocessableEntity(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func parseScheduledFor(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("scheduledFor must be RFC 3339, got %q", raw)
	}
	return &t, nil
}

// entityID extracts the identifying field of an entity payload. JSON
// numbers arrive as float64 and are rendered without an exponent.
func entityID(e map[string]any) (string, bool) {
	switch v := e["id"].(type) {
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case json.Number:
		return v.String(), true
	default:
		return "", false
	}
}

func pagination(r *http.Request) (page, pageSize int) {
	page = 1
	pageSize = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("pageSize")); err == nil && v > 0 {
		pageSize = v
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

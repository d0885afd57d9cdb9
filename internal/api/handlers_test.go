package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/notify"
)

// fakeService implements ActionService in memory.
type fakeService struct {
	actions    map[string]*action.BulkAction
	entities   map[string][]action.Entity
	logs       map[string][]action.LogEntry
	created    []action.CreateRequest
	uploadRows int
	createErr  error
}

func newFakeService() *fakeService {
	return &fakeService{
		actions:  make(map[string]*action.BulkAction),
		entities: make(map[string][]action.Entity),
		logs:     make(map[string][]action.LogEntry),
	}
}

func (f *fakeService) CreateBulkAction(_ context.Context, req action.CreateRequest) (*action.BulkAction, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	a := &action.BulkAction{
		ID:           fmt.Sprintf("a%d", len(f.created)),
		ActionType:   req.ActionType,
		Status:       action.StatusPending,
		ScheduledFor: req.ScheduledFor,
		AccountID:    req.AccountID,
		Config:       req.Config,
		Stats:        action.Stats{Total: len(req.Entities)},
		CreatedAt:    time.Now(),
	}
	f.actions[a.ID] = a
	return a, nil
}

func (f *fakeService) CreateBulkActionFromFile(_ context.Context, req action.FileRequest, file io.Reader) (*action.BulkAction, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	f.uploadRows = bytes.Count(data, []byte("\n"))
	a := &action.BulkAction{ID: "file-1", ActionType: req.ActionType, Status: action.StatusPending, AccountID: req.AccountID}
	f.actions[a.ID] = a
	return a, nil
}

func (f *fakeService) GetAllActions(_ context.Context, flt action.ListFilter) ([]action.BulkAction, error) {
	var out []action.BulkAction
	for _, a := range f.actions {
		if flt.AccountID != "" && a.AccountID != flt.AccountID {
			continue
		}
		if flt.Status != "" && action.IsValidStatus(flt.Status) && a.Status != action.Status(flt.Status) {
			continue
		}
		out = append(out, *a)
	}
	return out, nil
}

func (f *fakeService) GetActionByID(_ context.Context, id string) (*action.BulkAction, error) {
	a, ok := f.actions[id]
	if !ok {
		return nil, action.ErrNotFound
	}
	return a, nil
}

func (f *fakeService) GetStats(ctx context.Context, id string) (*action.BulkAction, action.EntityStatusCounts, error) {
	a, err := f.GetActionByID(ctx, id)
	if err != nil {
		return nil, action.EntityStatusCounts{}, err
	}
	var c action.EntityStatusCounts
	for _, e := range f.entities[id] {
		c.Total++
		switch e.Status {
		case action.EntityPending:
			c.Pending++
		case action.EntityProcessed:
			c.Processed++
		case action.EntityFailed:
			c.Failed++
		case action.EntitySkipped:
			c.Skipped++
		}
	}
	return a, c, nil
}

func (f *fakeService) StatusSummary(_ context.Context, accountID string) (map[action.Status]int, error) {
	out := make(map[action.Status]int)
	for _, s := range action.ValidStatuses {
		out[s] = 0
	}
	for _, a := range f.actions {
		if a.AccountID == accountID {
			out[a.Status]++
		}
	}
	return out, nil
}

func (f *fakeService) ListEntities(_ context.Context, id, status string, offset, limit int) ([]action.Entity, int, error) {
	if _, ok := f.actions[id]; !ok {
		return nil, 0, action.ErrNotFound
	}
	var filtered []action.Entity
	for _, e := range f.entities[id] {
		if status == "" || string(e.Status) == status {
			filtered = append(filtered, e)
		}
	}
	total := len(filtered)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (f *fakeService) ListLogs(_ context.Context, id string, limit int) ([]action.LogEntry, error) {
	if _, ok := f.actions[id]; !ok {
		return nil, action.ErrNotFound
	}
	logs := f.logs[id]
	if len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (f *fakeService) ActionTypes() []string { return []string{"bulk-delete", "bulk-update"} }

func setupTestServer(t *testing.T) (*fakeService, *notify.Hub, http.Handler) {
	t.Helper()
	svc := newFakeService()
	hub := notify.NewHub()
	srv := NewServer(svc, hub, nil, nil)
	return svc, hub, srv.Handler()
}

func TestCreateBulkAction(t *testing.T) {
	svc, _, h := setupTestServer(t)

	body := map[string]any{
		"actionType": "bulk-update",
		"config":     map[string]any{"fieldsToUpdate": map[string]any{"status": "active"}},
		"entities": []map[string]any{
			{"id": "1", "email": "a@example.com"},
			{"id": 2, "email": "b@example.com"},
		},
	}
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/api/bulk-actions", bytes.NewReader(raw))
	req.Header.Set("X-Account-ID", "acct-9")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var got action.BulkAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "bulk-update", got.ActionType)
	assert.Equal(t, 2, got.Stats.Total)

	require.Len(t, svc.created, 1)
	assert.Equal(t, "acct-9", svc.created[0].AccountID)
	// Numeric ids are normalized to strings.
	assert.Equal(t, "2", svc.created[0].Entities[1].EntityID)
}

func TestCreateBulkActionScheduled(t *testing.T) {
	svc, _, h := setupTestServer(t)

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	raw, _ := json.Marshal(map[string]any{
		"actionType":   "bulk-update",
		"config":       map[string]any{"fieldsToUpdate": map[string]any{}},
		"entities":     []map[string]any{{"id": "1"}},
		"scheduledFor": at.Format(time.RFC3339),
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bulk-actions", bytes.NewReader(raw)))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, svc.created[0].ScheduledFor)
	assert.True(t, at.Equal(*svc.created[0].ScheduledFor))
}

func TestCreateBulkActionRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{"actionType":`, http.StatusBadRequest},
		{"missing action type", `{"entities":[{"id":"1"}]}`, http.StatusBadRequest},
		{"entity without id", `{"actionType":"bulk-update","entities":[{"email":"x@y.z"}]}`, http.StatusBadRequest},
		{"bad scheduledFor", `{"actionType":"bulk-update","entities":[{"id":"1"}],"scheduledFor":"tomorrow"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, h := setupTestServer(t)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bulk-actions", bytes.NewReader([]byte(tt.body))))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCreateBulkActionServiceErrors(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: %q", action.ErrUnsupportedActionType, "nope"), http.StatusBadRequest},
		{fmt.Errorf("%w: config missing", action.ErrInvalidPayload), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		svc, _, h := setupTestServer(t)
		svc.createErr = tt.err
		raw := []byte(`{"actionType":"bulk-update","entities":[{"id":"1"}]}`)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/bulk-actions", bytes.NewReader(raw)))
		assert.Equal(t, tt.want, rec.Code)
	}
}

func TestUploadBulkAction(t *testing.T) {
	svc, _, h := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("actionType", "bulk-update"))
	require.NoError(t, mw.WriteField("config", `{"fieldsToUpdate":{"status":"active"}}`))
	fw, err := mw.CreateFormFile("file", "contacts.csv")
	require.NoError(t, err)
	fmt.Fprint(fw, "id,name,email,age,status\n1,Ada,ada@example.com,36,active\n")
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-actions/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, svc.uploadRows)
}

func TestUploadBulkActionRequiresFile(t *testing.T) {
	_, _, h := setupTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("actionType", "bulk-update"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-actions/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBulkAction(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1", ActionType: "bulk-update", Status: action.StatusCompleted}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListBulkActionsFiltersByAccount(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1", AccountID: "acct-1", Status: action.StatusPending}
	svc.actions["a2"] = &action.BulkAction{ID: "a2", AccountID: "acct-2", Status: action.StatusPending}

	req := httptest.NewRequest(http.MethodGet, "/api/bulk-actions", nil)
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Actions []action.BulkAction `json:"actions"`
		Count   int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "a1", resp.Actions[0].ID)
}

func TestGetBulkActionStats(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1", Status: action.StatusProcessing, Stats: action.Stats{Total: 3, Success: 1}}
	svc.entities["a1"] = []action.Entity{
		{EntityID: "e1", Status: action.EntityProcessed},
		{EntityID: "e2", Status: action.EntityPending},
		{EntityID: "e3", Status: action.EntityPending},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Stats    action.Stats              `json:"stats"`
		Entities action.EntityStatusCounts `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Stats.Success)
	assert.Equal(t, 2, resp.Entities.Pending)
	assert.Equal(t, 1, resp.Entities.Processed)
}

func TestListBulkActionEntitiesPagination(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1"}
	for i := 0; i < 5; i++ {
		svc.entities["a1"] = append(svc.entities["a1"], action.Entity{
			EntityID: fmt.Sprintf("e%d", i),
			Status:   action.EntityProcessed,
		})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/entities?page=2&pageSize=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entities []action.Entity `json:"entities"`
		Total    int             `json:"total"`
		Page     int             `json:"page"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 2, resp.Page)
	require.Len(t, resp.Entities, 2)
	assert.Equal(t, "e2", resp.Entities[0].EntityID)
}

func TestListBulkActionEntitiesRejectsUnknownStatus(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1"}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/entities?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListBulkActionLogs(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1"}
	svc.logs["a1"] = []action.LogEntry{
		{ID: "l1", BulkActionID: "a1", EntityID: "e1", Outcome: action.OutcomeSuccess},
		{ID: "l2", BulkActionID: "a1", Outcome: action.OutcomeCompleted, Message: `{"totalCount":1}`},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		ActionID string            `json:"actionId"`
		Logs     []action.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "a1", resp.ActionID)
	require.Len(t, resp.Logs, 2)
	assert.Equal(t, action.OutcomeCompleted, resp.Logs[1].Outcome)
}

func TestListBulkActionLogsLimit(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1"}
	for i := 0; i < 5; i++ {
		svc.logs["a1"] = append(svc.logs["a1"], action.LogEntry{ID: fmt.Sprintf("l%d", i), BulkActionID: "a1", Outcome: action.OutcomeSuccess})
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/logs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Logs []action.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Logs, 2)
}

func TestListBulkActionLogsUnknownAction(t *testing.T) {
	_, _, h := setupTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/missing/logs", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusSummary(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{ID: "a1", AccountID: action.DefaultAccountID, Status: action.StatusCompleted}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/status/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Summary map[string]int `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Summary["completed"])
	// Every known status is present even when zero.
	assert.Contains(t, resp.Summary, "failed")
}

func TestStreamBulkActionEventsTerminalSnapshot(t *testing.T) {
	svc, _, h := setupTestServer(t)
	svc.actions["a1"] = &action.BulkAction{
		ID:     "a1",
		Status: action.StatusCompleted,
		Stats:  action.Stats{Total: 2, Success: 2},
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/a1/events", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "event: progress")
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)
}

func TestStreamBulkActionEventsUnknownAction(t *testing.T) {
	_, _, h := setupTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/bulk-actions/missing/events", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	_, _, h := setupTestServer(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

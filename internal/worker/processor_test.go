package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/handler"
	"github.com/crmforge/bulkactions/internal/notify"
)

// ----------------------------------------------------------------------------
// In-memory fakes
// ----------------------------------------------------------------------------

type fakeActionStore struct {
	mu             sync.Mutex
	actions        map[string]*action.BulkAction
	updateStatsErr error
}

func newFakeActionStore(as ...*action.BulkAction) *fakeActionStore {
	s := &fakeActionStore{actions: make(map[string]*action.BulkAction)}
	for _, a := range as {
		s.actions[a.ID] = a
	}
	return s
}

func (s *fakeActionStore) Get(_ context.Context, id string) (*action.BulkAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return nil, action.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeActionStore) SetStatus(_ context.Context, id string, status action.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actions[id]
	if !ok {
		return action.ErrNotFound
	}
	a.Status = status
	return nil
}

func (s *fakeActionStore) UpdateStats(_ context.Context, id string, stats action.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateStatsErr != nil {
		return s.updateStatsErr
	}
	a, ok := s.actions[id]
	if !ok {
		return action.ErrNotFound
	}
	a.Stats = stats
	return nil
}

type fakeEntityStore struct {
	mu        sync.Mutex
	entities  []action.Entity
	recordErr error
	fetchErr  error
	aggErr    error
}

func (s *fakeEntityStore) FetchPending(_ context.Context, bulkActionID string, limit int) ([]action.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	var out []action.Entity
	for _, e := range s.entities {
		if e.BulkActionID == bulkActionID && e.Status == action.EntityPending {
			out = append(out, e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *fakeEntityStore) RecordOutcome(_ context.Context, e action.Entity, status action.EntityStatus, outcome, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	for i := range s.entities {
		if s.entities[i].ID == e.ID && s.entities[i].Status == action.EntityPending {
			s.entities[i].Status = status
			s.entities[i].ErrorMessage = message
			return nil
		}
	}
	return nil
}

func (s *fakeEntityStore) AggregateStats(_ context.Context, bulkActionID string) (action.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aggErr != nil {
		return action.Stats{}, s.aggErr
	}
	var st action.Stats
	for _, e := range s.entities {
		if e.BulkActionID != bulkActionID {
			continue
		}
		st.Total++
		switch e.Status {
		case action.EntityProcessed:
			st.Success++
		case action.EntityFailed:
			st.Failed++
		case action.EntitySkipped:
			st.Skipped++
		}
	}
	return st, nil
}

type fakeAuditStore struct {
	mu        sync.Mutex
	summaries map[string]action.CompletionSummary
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{summaries: make(map[string]action.CompletionSummary)}
}

func (s *fakeAuditStore) RecordCompletion(_ context.Context, id string, summary action.CompletionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[id] = summary
	return nil
}

type fakeContacts struct {
	mu      sync.Mutex
	updated map[string]map[string]any
	deleted []string
	failFor map[string]error
}

func newFakeContacts() *fakeContacts {
	return &fakeContacts{updated: make(map[string]map[string]any), failFor: make(map[string]error)}
}

func (c *fakeContacts) Update(_ context.Context, email string, fields map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor[email]; err != nil {
		return err
	}
	c.updated[email] = fields
	return nil
}

func (c *fakeContacts) Delete(_ context.Context, email string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failFor[email]; err != nil {
		return false, err
	}
	c.deleted = append(c.deleted, email)
	return true, nil
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func updateAction(id string, total int) *action.BulkAction {
	return &action.BulkAction{
		ID:         id,
		ActionType: handler.ActionTypeUpdate,
		Status:     action.StatusQueued,
		AccountID:  action.DefaultAccountID,
		Config:     map[string]any{"fieldsToUpdate": map[string]any{"status": "active"}},
		Stats:      action.Stats{Total: total},
	}
}

func pendingEntity(actionID, entityID, email string) action.Entity {
	return action.Entity{
		ID:           actionID + "/" + entityID,
		BulkActionID: actionID,
		EntityID:     entityID,
		EntityData:   map[string]any{"id": entityID, "email": email, "name": "n-" + entityID},
		Status:       action.EntityPending,
	}
}

func newTestProcessor(as *fakeActionStore, es *fakeEntityStore, contacts *fakeContacts) (*Processor, *fakeAuditStore, *notify.Hub) {
	reg := handler.NewRegistry(
		handler.NewBulkUpdateHandler(contacts, handler.NewDeduplicator()),
		handler.NewBulkDeleteHandler(contacts),
	)
	audit := newFakeAuditStore()
	hub := notify.NewHub()
	return NewProcessor(as, es, audit, reg, hub), audit, hub
}

// ----------------------------------------------------------------------------
// Processor
// ----------------------------------------------------------------------------

func TestProcessActionDedupSkipsSecondOccurrence(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 2))
	es := &fakeEntityStore{entities: []action.Entity{
		pendingEntity("a1", "e1", "dup@example.com"),
		pendingEntity("a1", "e2", "dup@example.com"),
	}}
	contacts := newFakeContacts()
	p, audit, _ := newTestProcessor(as, es, contacts)

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	a, err := as.Get(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, a.Status)
	assert.Equal(t, action.Stats{Total: 2, Success: 1, Failed: 0, Skipped: 1}, a.Stats)

	// Only the first occurrence reached the contact store.
	assert.Len(t, contacts.updated, 1)
	assert.Contains(t, contacts.updated, "dup@example.com")

	assert.Equal(t, action.CompletionSummary{SuccessCount: 1, SkippedCount: 1, TotalCount: 2}, audit.summaries["a1"])
}

func TestProcessActionEntityFailuresYieldCompletedWithErrors(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 3))
	es := &fakeEntityStore{entities: []action.Entity{
		pendingEntity("a1", "e1", "ok@example.com"),
		pendingEntity("a1", "e2", "bad@example.com"),
		{ID: "a1/e3", BulkActionID: "a1", EntityID: "e3", EntityData: map[string]any{"id": "e3"}, Status: action.EntityPending},
	}}
	contacts := newFakeContacts()
	contacts.failFor["bad@example.com"] = errors.New("connection refused")
	p, _, _ := newTestProcessor(as, es, contacts)

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusCompletedWithErrors, a.Status)
	// e2 fails on the store error, e3 fails on the missing email.
	assert.Equal(t, action.Stats{Total: 3, Success: 1, Failed: 2, Skipped: 0}, a.Stats)

	for _, e := range es.entities {
		if e.EntityID == "e2" {
			assert.Equal(t, action.EntityFailed, e.Status)
			assert.Contains(t, e.ErrorMessage, "connection refused")
		}
		if e.EntityID == "e3" {
			assert.Equal(t, action.EntityFailed, e.Status)
			assert.Contains(t, e.ErrorMessage, "no email found")
		}
	}
}

func TestProcessActionRedeliveryOfTerminalActionIsNoop(t *testing.T) {
	a := updateAction("a1", 1)
	a.Status = action.StatusCompleted
	a.Stats = action.Stats{Total: 1, Success: 1}
	as := newFakeActionStore(a)
	es := &fakeEntityStore{}
	contacts := newFakeContacts()
	p, audit, _ := newTestProcessor(as, es, contacts)

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	got, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusCompleted, got.Status)
	assert.Equal(t, action.Stats{Total: 1, Success: 1}, got.Stats)
	assert.Empty(t, audit.summaries)
	assert.Empty(t, contacts.updated)
}

func TestProcessActionResumesInterruptedRun(t *testing.T) {
	// e1 was already recorded before the interruption; only e2 and e3 are
	// still pending on redelivery.
	as := newFakeActionStore(updateAction("a1", 3))
	done := pendingEntity("a1", "e1", "one@example.com")
	done.Status = action.EntityProcessed
	es := &fakeEntityStore{entities: []action.Entity{
		done,
		pendingEntity("a1", "e2", "two@example.com"),
		pendingEntity("a1", "e3", "three@example.com"),
	}}
	contacts := newFakeContacts()
	p, _, _ := newTestProcessor(as, es, contacts)

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusCompleted, a.Status)
	assert.Equal(t, action.Stats{Total: 3, Success: 3}, a.Stats)
	// The already-processed entity was not re-applied.
	assert.NotContains(t, contacts.updated, "one@example.com")
	assert.Len(t, contacts.updated, 2)
}

func TestProcessActionUnknownTypeMarksFailedWithoutRetry(t *testing.T) {
	a := updateAction("a1", 1)
	a.ActionType = "bulk-transmogrify"
	as := newFakeActionStore(a)
	p, audit, _ := newTestProcessor(as, &fakeEntityStore{}, newFakeContacts())

	// A nil error keeps the item out of the queue's retry path.
	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	got, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusFailed, got.Status)
	assert.Empty(t, audit.summaries)
}

func TestProcessActionUnknownActionDropped(t *testing.T) {
	p, _, _ := newTestProcessor(newFakeActionStore(), &fakeEntityStore{}, newFakeContacts())
	assert.NoError(t, p.ProcessAction(context.Background(), "no-such-action"))
}

func TestProcessActionOutcomeWriteFailureAbortsRun(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 1))
	es := &fakeEntityStore{
		entities:  []action.Entity{pendingEntity("a1", "e1", "one@example.com")},
		recordErr: errors.New("db down"),
	}
	p, _, _ := newTestProcessor(as, es, newFakeContacts())

	err := p.ProcessAction(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusFailed, a.Status)
}

func TestProcessActionFetchFailureMarksActionFailed(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 1))
	es := &fakeEntityStore{
		entities: []action.Entity{pendingEntity("a1", "e1", "one@example.com")},
		fetchErr: errors.New("store unavailable"),
	}
	p, _, hub := newTestProcessor(as, es, newFakeContacts())

	sub := hub.Subscribe("a1")
	defer sub.Close()

	err := p.ProcessAction(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusFailed, a.Status)

	var last notify.Update
	for {
		u, ok := tryRecv(sub)
		if !ok {
			break
		}
		last = u
	}
	assert.Equal(t, action.StatusFailed, last.Status)
}

func TestProcessActionSeedStatsFailureMarksActionFailed(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 1))
	es := &fakeEntityStore{
		entities: []action.Entity{pendingEntity("a1", "e1", "one@example.com")},
		aggErr:   errors.New("aggregate query failed"),
	}
	p, _, _ := newTestProcessor(as, es, newFakeContacts())

	err := p.ProcessAction(context.Background(), "a1")
	require.Error(t, err)

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusFailed, a.Status)
}

func TestProcessActionFinalStatWriteFailureMarksActionFailed(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 1))
	as.updateStatsErr = errors.New("write timeout")
	es := &fakeEntityStore{entities: []action.Entity{pendingEntity("a1", "e1", "one@example.com")}}
	p, audit, _ := newTestProcessor(as, es, newFakeContacts())

	err := p.ProcessAction(context.Background(), "a1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write timeout")

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusFailed, a.Status)
	assert.Empty(t, audit.summaries)
}

func TestProcessActionPublishesProgress(t *testing.T) {
	as := newFakeActionStore(updateAction("a1", 2))
	es := &fakeEntityStore{entities: []action.Entity{
		pendingEntity("a1", "e1", "one@example.com"),
		pendingEntity("a1", "e2", "two@example.com"),
	}}
	p, _, hub := newTestProcessor(as, es, newFakeContacts())

	sub := hub.Subscribe("a1")
	defer sub.Close()

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	var last notify.Update
	var got int
	for {
		u, ok := tryRecv(sub)
		if !ok {
			break
		}
		got++
		last = u
	}
	require.GreaterOrEqual(t, got, 2)
	assert.Equal(t, action.StatusCompleted, last.Status)
	assert.Equal(t, action.Stats{Total: 2, Success: 2}, last.Stats)
}

func TestProcessActionStatsInvariantHolds(t *testing.T) {
	const n = 250 // spans multiple fetch batches
	as := newFakeActionStore(updateAction("a1", n))
	es := &fakeEntityStore{}
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		if i%10 == 3 {
			email = "" // missing email fails the entity
		}
		e := pendingEntity("a1", fmt.Sprintf("e%d", i), email)
		if email == "" {
			delete(e.EntityData, "email")
		}
		es.entities = append(es.entities, e)
	}
	p, _, _ := newTestProcessor(as, es, newFakeContacts())

	require.NoError(t, p.ProcessAction(context.Background(), "a1"))

	a, _ := as.Get(context.Background(), "a1")
	assert.Equal(t, action.StatusCompletedWithErrors, a.Status)
	assert.Equal(t, n, a.Stats.Success+a.Stats.Failed+a.Stats.Skipped)
	assert.Equal(t, n, a.Stats.Total)
	assert.Equal(t, 25, a.Stats.Failed)
}

func tryRecv(s *notify.Subscriber) (notify.Update, bool) {
	select {
	case u, ok := <-s.Updates():
		return u, ok
	default:
		return notify.Update{}, false
	}
}

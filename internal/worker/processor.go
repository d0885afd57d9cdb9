package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/handler"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/pkg/logger"
)

const (
	// BatchSize is how many pending entities the processor claims per
	// fetch. Progress is flushed at least once per batch.
	BatchSize = 100

	// statFlushEvery is the per-entity cadence of intermediate stat
	// flushes within a batch.
	statFlushEvery = 10
)

// ActionStore is the bulk action persistence the processor needs.
type ActionStore interface {
	Get(ctx context.Context, id string) (*action.BulkAction, error)
	SetStatus(ctx context.Context, id string, status action.Status) error
	UpdateStats(ctx context.Context, id string, stats action.Stats) error
}

// EntityStore is the per-entity work item persistence the processor needs.
type EntityStore interface {
	FetchPending(ctx context.Context, bulkActionID string, limit int) ([]action.Entity, error)
	RecordOutcome(ctx context.Context, e action.Entity, status action.EntityStatus, outcome, message string) error
	AggregateStats(ctx context.Context, bulkActionID string) (action.Stats, error)
}

// AuditStore records run-completion summaries.
type AuditStore interface {
	RecordCompletion(ctx context.Context, bulkActionID string, summary action.CompletionSummary) error
}

// Notifier receives progress updates as processing advances.
type Notifier interface {
	NotifyActionUpdate(u notify.Update)
}

// Processor executes one bulk action at a time: it drains the action's
// pending entities in batches, dispatches each to the registered handler,
// and tracks per-entity and aggregate outcomes.
type Processor struct {
	actions  ActionStore
	entities EntityStore
	audit    AuditStore
	registry *handler.Registry
	notifier Notifier

	actionsProcessed int64
	entitiesHandled  int64
}

// NewProcessor wires a processor. notifier may be nil.
func NewProcessor(actions ActionStore, entities EntityStore, audit AuditStore, registry *handler.Registry, notifier Notifier) *Processor {
	return &Processor{
		actions:  actions,
		entities: entities,
		audit:    audit,
		registry: registry,
		notifier: notifier,
	}
}

// ProcessAction runs one bulk action to a terminal status. It is safe to
// call again for an action that already finished (queue redelivery): the
// terminal check up front makes the rerun a no-op, and an interrupted run
// resumes from the surviving pending entities because counters are seeded
// from the stored per-entity outcomes.
//
// A returned error means infrastructure failed mid-run; the action is
// marked failed before the error reaches the caller's queue retry policy.
func (p *Processor) ProcessAction(ctx context.Context, actionID string) error {
	a, err := p.actions.Get(ctx, actionID)
	if err != nil {
		if errors.Is(err, action.ErrNotFound) {
			log.Printf("[Processor] Dropping queue item for unknown action %s", actionID)
			return nil
		}
		return fmt.Errorf("load action %s: %w", actionID, err)
	}
	if a.Status.Terminal() {
		log.Printf("[Processor] Action %s already %s, ignoring redelivery", a.ID, a.Status)
		return nil
	}

	h, ok := p.registry.Get(a.ActionType)
	if !ok {
		// Nothing can ever process this action; fail it instead of
		// bouncing it through the retry policy.
		log.Printf("[Processor] No handler for action %s type=%q, marking failed", a.ID, a.ActionType)
		if err := p.actions.SetStatus(ctx, a.ID, action.StatusFailed); err != nil {
			return fmt.Errorf("fail action %s: %w", a.ID, err)
		}
		p.publish(a.ID, action.StatusFailed, a.Stats)
		return nil
	}

	if err := p.run(ctx, a, h); err != nil {
		// An uncaught error terminates the run as failed before the queue's
		// retry policy sees it. The status write uses a detached context so
		// a canceled run can still record its fate.
		failCtx := context.WithoutCancel(ctx)
		if serr := p.actions.SetStatus(failCtx, a.ID, action.StatusFailed); serr != nil {
			log.Printf("[Processor] Failed to mark action %s failed: %v", a.ID, serr)
		}
		p.publish(a.ID, action.StatusFailed, a.Stats)
		return err
	}
	return nil
}

// run drains the action's pending entities and lands it on completed or
// completed_with_errors. Any returned error is an infrastructure fault;
// ProcessAction turns it into a failed terminal status.
func (p *Processor) run(ctx context.Context, a *action.BulkAction, h handler.Handler) error {
	if err := p.actions.SetStatus(ctx, a.ID, action.StatusProcessing); err != nil {
		return fmt.Errorf("mark action %s processing: %w", a.ID, err)
	}

	// Seed counters from recorded outcomes so a resumed run keeps
	// converging instead of double counting.
	stats, err := p.entities.AggregateStats(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("seed stats for action %s: %w", a.ID, err)
	}
	stats.Total = a.Stats.Total
	p.publish(a.ID, action.StatusProcessing, stats)

	log.Printf("[Processor] Action %s type=%s starting at %d/%d entities done",
		a.ID, a.ActionType, stats.Success+stats.Failed+stats.Skipped, stats.Total)
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := p.entities.FetchPending(ctx, a.ID, BatchSize)
		if err != nil {
			return fmt.Errorf("fetch pending for action %s: %w", a.ID, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := p.processBatch(ctx, a, h, batch, &stats); err != nil {
			return err
		}
	}

	// Final counters come from the store, not the in-memory tally, so a
	// run that includes redelivered work still lands on the truth.
	final, err := p.entities.AggregateStats(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("final stats for action %s: %w", a.ID, err)
	}
	final.Total = stats.Total
	if err := p.actions.UpdateStats(ctx, a.ID, final); err != nil {
		return fmt.Errorf("store final stats for action %s: %w", a.ID, err)
	}

	finalStatus := action.StatusCompleted
	if final.Failed > 0 {
		finalStatus = action.StatusCompletedWithErrors
	}
	if err := p.actions.SetStatus(ctx, a.ID, finalStatus); err != nil {
		return fmt.Errorf("complete action %s: %w", a.ID, err)
	}
	p.publish(a.ID, finalStatus, final)

	if err := p.audit.RecordCompletion(ctx, a.ID, action.CompletionSummary{
		SuccessCount: final.Success,
		FailedCount:  final.Failed,
		SkippedCount: final.Skipped,
		TotalCount:   final.Total,
	}); err != nil {
		log.Printf("[Processor] Audit record failed for action %s: %v", a.ID, err)
	}

	atomic.AddInt64(&p.actionsProcessed, 1)
	log.Printf("[Processor] Action %s %s in %v: success=%d failed=%d skipped=%d total=%d",
		a.ID, finalStatus, time.Since(start).Round(time.Millisecond),
		final.Success, final.Failed, final.Skipped, final.Total)
	return nil
}

func (p *Processor) processBatch(ctx context.Context, a *action.BulkAction, h handler.Handler, batch []action.Entity, stats *action.Stats) error {
	sinceFlush := 0
	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}

		status, outcome, message := p.processEntity(ctx, h, a, e)

		// An outcome that cannot be recorded is an infrastructure fault.
		// Abort rather than refetching the same pending entity forever.
		if err := p.entities.RecordOutcome(ctx, e, status, outcome, message); err != nil {
			return fmt.Errorf("record outcome for entity %s: %w", e.EntityID, err)
		}

		switch status {
		case action.EntityProcessed:
			stats.Success++
		case action.EntityFailed:
			stats.Failed++
		case action.EntitySkipped:
			stats.Skipped++
		}
		atomic.AddInt64(&p.entitiesHandled, 1)

		sinceFlush++
		if sinceFlush%statFlushEvery == 0 {
			p.flush(ctx, a.ID, *stats)
		}
	}
	// Batch boundary always flushes so short final batches report too.
	p.flush(ctx, a.ID, *stats)
	return nil
}

// processEntity dispatches one entity and maps the result onto the entity
// status and audit outcome vocabulary. Handler errors and panics become
// entity-level failures, never run-level ones.
func (p *Processor) processEntity(ctx context.Context, h handler.Handler, a *action.BulkAction, e action.Entity) (status action.EntityStatus, outcome, message string) {
	res, err := func() (res handler.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return h.ProcessEntity(ctx, e.EntityData, a.Config)
	}()

	switch {
	case err != nil:
		logger.EntityFailure(e.EntityID, err.Error())
		return action.EntityFailed, action.OutcomeFailure, err.Error()
	case res.Skipped:
		logger.EntitySkipped(e.EntityID)
		return action.EntitySkipped, action.OutcomeSkipped, res.Message
	default:
		logger.EntitySuccess(e.EntityID)
		return action.EntityProcessed, action.OutcomeSuccess, res.Message
	}
}

// flush persists intermediate counters and notifies subscribers. Flush
// failures are logged and skipped; the final write after the drain loop is
// the authoritative one.
func (p *Processor) flush(ctx context.Context, actionID string, stats action.Stats) {
	if err := p.actions.UpdateStats(ctx, actionID, stats); err != nil {
		log.Printf("[Processor] Stat flush failed for action %s: %v", actionID, err)
		return
	}
	p.publish(actionID, action.StatusProcessing, stats)
}

func (p *Processor) publish(actionID string, status action.Status, stats action.Stats) {
	if p.notifier == nil {
		return
	}
	p.notifier.NotifyActionUpdate(notify.Update{ID: actionID, Status: status, Stats: stats})
}

// Counters returns lifetime totals for observability endpoints.
func (p *Processor) Counters() (actions, entities int64) {
	return atomic.LoadInt64(&p.actionsProcessed), atomic.LoadInt64(&p.entitiesHandled)
}

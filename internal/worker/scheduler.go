package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/pkg/distlock"
	"github.com/crmforge/bulkactions/internal/queue"
)

// DefaultPollInterval is how often the scheduler looks for due actions.
const DefaultPollInterval = time.Minute

// SchedulerStore is the action persistence the scheduler needs. ClaimDue
// must atomically flip matched rows out of pending so concurrent scheduler
// instances never promote the same action twice.
type SchedulerStore interface {
	ClaimDue(ctx context.Context, now time.Time) ([]action.BulkAction, error)
	SetStatus(ctx context.Context, id string, status action.Status) error
}

// RetryEnqueuer pushes promoted actions onto the work queue with a retry
// policy attached.
type RetryEnqueuer interface {
	EnqueueWithRetry(ctx context.Context, actionID string, p queue.RetryPolicy) error
}

// Scheduler promotes deferred bulk actions onto the work queue once their
// scheduled time arrives.
type Scheduler struct {
	store        SchedulerStore
	queue        RetryEnqueuer
	lock         distlock.DistLock // optional; nil runs unlocked
	pollInterval time.Duration

	promoted int64
	errors   int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewScheduler creates a scheduler with the default poll interval.
func NewScheduler(store SchedulerStore, q RetryEnqueuer) *Scheduler {
	return &Scheduler{store: store, queue: q, pollInterval: DefaultPollInterval}
}

// SetPollInterval overrides the poll cadence. Call before Start.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// SetLock installs a distributed lock so only one instance promotes per
// tick. ClaimDue is already race-safe; the lock just avoids wasted polls.
func (s *Scheduler) SetLock(l distlock.DistLock) {
	s.lock = l
}

// Start begins the polling loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting with poll interval: %v", s.pollInterval)
	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop halts the polling loop and waits for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Printf("[Scheduler] Stopped. Promoted: %d actions, errors: %d",
		atomic.LoadInt64(&s.promoted), atomic.LoadInt64(&s.errors))
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Tick claims every due action and enqueues it. Exported so tests and
// one-shot invocations can drive the scheduler without the loop.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Scheduler] Lock acquire failed: %v", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				log.Printf("[Scheduler] Lock release failed: %v", err)
			}
		}()
	}

	due, err := s.store.ClaimDue(ctx, time.Now())
	if err != nil {
		atomic.AddInt64(&s.errors, 1)
		log.Printf("[Scheduler] Claim failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	for _, a := range due {
		if err := s.queue.EnqueueWithRetry(ctx, a.ID, queue.SchedulerRetryPolicy); err != nil {
			atomic.AddInt64(&s.errors, 1)
			log.Printf("[Scheduler] Enqueue failed for action %s: %v", a.ID, err)
			// Hand the claim back so the next tick retries the promotion.
			if serr := s.store.SetStatus(ctx, a.ID, action.StatusPending); serr != nil {
				log.Printf("[Scheduler] Failed to restore action %s to pending: %v", a.ID, serr)
			}
			continue
		}
		atomic.AddInt64(&s.promoted, 1)
		log.Printf("[Scheduler] Promoted action %s scheduled for %v", a.ID, a.ScheduledFor)
	}
}

// Promoted returns the lifetime count of promoted actions.
func (s *Scheduler) Promoted() int64 {
	return atomic.LoadInt64(&s.promoted)
}

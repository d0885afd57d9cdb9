// Package queue implements the at-least-once work queue for bulk actions
// on Redis. A list carries ready items; a sorted set holds items waiting
// out a retry backoff, promoted onto the list once their delay elapses.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic is the single work-item topic for bulk action processing.
const Topic = "process-action"

const (
	readyKey = "bulkactions:queue:ready"
	retryKey = "bulkactions:queue:retry"
)

// RetryPolicy controls queue-level redelivery after a processing failure.
type RetryPolicy struct {
	Attempts  int           `json:"attempts"`
	BaseDelay time.Duration `json:"baseDelayMs"`
}

// SchedulerRetryPolicy is the bounded policy used by the scheduler's
// promotion path: 3 attempts, exponential backoff from 2s.
var SchedulerRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: 2 * time.Second}

// Item is one queued work item referencing a bulk action.
type Item struct {
	Topic    string       `json:"topic"`
	ActionID string       `json:"actionId"`
	Attempt  int          `json:"attempt"`
	Policy   *RetryPolicy `json:"policy,omitempty"`
}

// Queue is the Redis-backed work queue.
type Queue struct {
	rdb *redis.Client
}

// New creates a queue on the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue pushes a process-action item with the default (no-retry) policy.
// Used by the intake path.
func (q *Queue) Enqueue(ctx context.Context, actionID string) error {
	return q.push(ctx, Item{Topic: Topic, ActionID: actionID})
}

// EnqueueWithRetry pushes a process-action item carrying a retry policy.
// Used by the scheduler's promotion path.
func (q *Queue) EnqueueWithRetry(ctx context.Context, actionID string, p RetryPolicy) error {
	return q.push(ctx, Item{Topic: Topic, ActionID: actionID, Policy: &p})
}

func (q *Queue) push(ctx context.Context, it Item) error {
	data, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.rdb.RPush(ctx, readyKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Dequeue promotes any due retries and then blocks up to timeout for the
// next ready item. Returns nil when the wait times out.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Item, error) {
	if err := q.promoteDue(ctx, time.Now()); err != nil {
		return nil, err
	}

	res, err := q.rdb.BLPop(ctx, timeout, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var it Item
	if err := json.Unmarshal([]byte(res[1]), &it); err != nil {
		return nil, fmt.Errorf("unmarshal queue item: %w", err)
	}
	return &it, nil
}

// Retry schedules a failed item for redelivery with exponential backoff.
// Returns false when the item's policy is exhausted (or it has none), in
// which case the item is dropped.
func (q *Queue) Retry(ctx context.Context, it *Item) (bool, error) {
	if it.Policy == nil || it.Attempt+1 >= it.Policy.Attempts {
		return false, nil
	}
	next := *it
	next.Attempt++

	delay := time.Duration(float64(next.Policy.BaseDelay) * math.Pow(2, float64(it.Attempt)))
	data, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal retry item: %w", err)
	}
	due := time.Now().Add(delay)
	if err := q.rdb.ZAdd(ctx, retryKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	}).Err(); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	return true, nil
}

// promoteDue moves retry items whose delay has elapsed onto the ready list.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) error {
	members, err := q.rdb.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("promote retries: %w", err)
	}
	for _, m := range members {
		// ZRem-then-push: a crash in between loses the retry, which the
		// at-least-once contract tolerates (the action stays resumable).
		removed, err := q.rdb.ZRem(ctx, retryKey, m).Result()
		if err != nil {
			return fmt.Errorf("remove retry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, readyKey, m).Err(); err != nil {
			return fmt.Errorf("requeue retry: %w", err)
		}
	}
	return nil
}

// Depth returns the number of ready items.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, readyKey).Result()
}

// RetryDepth returns the number of items awaiting a retry slot.
func (q *Queue) RetryDepth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, retryKey).Result()
}

// ProcessFunc handles one dequeued work item.
type ProcessFunc func(ctx context.Context, actionID string) error

// Consumer pulls items off the queue and hands them to a ProcessFunc,
// rescheduling failures according to each item's retry policy.
type Consumer struct {
	q  *Queue
	fn ProcessFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer creates a consumer for the queue.
func NewConsumer(q *Queue, fn ProcessFunc) *Consumer {
	return &Consumer{q: q, fn: fn}
}

// Start launches the consume loop. It runs until Stop is called.
func (c *Consumer) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})
	log.Printf("[QueueConsumer] Starting on topic %q", Topic)
	go c.loop()
}

// Stop halts the consume loop and waits for the in-flight item to finish.
func (c *Consumer) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	log.Printf("[QueueConsumer] Stopped")
}

func (c *Consumer) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		it, err := c.q.Dequeue(c.ctx, time.Second)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("[QueueConsumer] Dequeue error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if it == nil {
			continue
		}

		if err := c.fn(c.ctx, it.ActionID); err != nil {
			retried, rerr := c.q.Retry(c.ctx, it)
			if rerr != nil {
				log.Printf("[QueueConsumer] Retry scheduling failed for action %s: %v", it.ActionID, rerr)
				continue
			}
			if retried {
				log.Printf("[QueueConsumer] Action %s failed (attempt %d), retry scheduled: %v",
					it.ActionID, it.Attempt+1, err)
			} else {
				log.Printf("[QueueConsumer] Action %s failed, no retries left: %v", it.ActionID, err)
			}
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"
)

// updateChannel is the Redis pub/sub channel carrying progress updates
// from worker processes to the API process hosting the hub.
const updateChannel = "bulkactions:updates"

// Publisher forwards action updates over Redis so a processor running in
// a worker binary reaches subscribers held by the API binary. Delivery
// keeps the hub's best-effort contract: publish failures are logged, not
// raised.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Redis-backed update publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// NotifyActionUpdate publishes one update to the shared channel.
func (p *Publisher) NotifyActionUpdate(u Update) {
	raw, err := json.Marshal(u)
	if err != nil {
		log.Printf("[Notify] Marshal update for action %s failed: %v", u.ID, err)
		return
	}
	if err := p.rdb.Publish(context.Background(), updateChannel, raw).Err(); err != nil {
		log.Printf("[Notify] Publish update for action %s failed: %v", u.ID, err)
	}
}

// Relay subscribes to the shared channel and feeds a local hub, closing
// the loop between remote processors and this process's subscribers.
type Relay struct {
	rdb    *redis.Client
	hub    *Hub
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay feeding hub from rdb.
func NewRelay(rdb *redis.Client, hub *Hub) *Relay {
	return &Relay{rdb: rdb, hub: hub}
}

// Start begins relaying updates until Stop is called.
func (r *Relay) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	sub := r.rdb.Subscribe(ctx, updateChannel)
	// Wait for the subscription confirmation so an update published right
	// after Start returns cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		log.Printf("[Notify] Subscribe to %s failed: %v", updateChannel, err)
	}
	go r.loop(ctx, sub)
	log.Printf("[Notify] Relaying updates from channel %s", updateChannel)
}

// Stop ends the relay and waits for the loop to exit.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Relay) loop(ctx context.Context, sub *redis.PubSub) {
	defer close(r.done)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var u Update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				log.Printf("[Notify] Dropping malformed update: %v", err)
				continue
			}
			r.hub.NotifyActionUpdate(u)
		}
	}
}

// Package notify fans out bulk action progress updates to interested
// subscribers, typically SSE connections. Delivery is best effort: a slow
// subscriber drops updates rather than stalling the processor.
package notify

import (
	"sync"

	"github.com/crmforge/bulkactions/internal/action"
)

// Update is one progress notification for a bulk action.
type Update struct {
	ID     string        `json:"id"`
	Status action.Status `json:"status"`
	Stats  action.Stats  `json:"stats"`
}

// subscriberBuffer bounds the per-subscriber channel. A consumer further
// behind than this starts losing intermediate updates; the terminal update
// is re-sent on every flush so the final state still arrives.
const subscriberBuffer = 16

// Subscriber receives updates for a single bulk action.
type Subscriber struct {
	hub      *Hub
	actionID string
	ch       chan Update
}

// Updates returns the subscriber's delivery channel. It is closed when the
// subscriber is removed.
func (s *Subscriber) Updates() <-chan Update {
	return s.ch
}

// Close removes the subscriber from the hub.
func (s *Subscriber) Close() {
	s.hub.unsubscribe(s)
}

// Hub routes progress updates to per-action subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers interest in one action's updates.
func (h *Hub) Subscribe(actionID string) *Subscriber {
	s := &Subscriber{hub: h, actionID: actionID, ch: make(chan Update, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[actionID] == nil {
		h.subs[actionID] = make(map[*Subscriber]struct{})
	}
	h.subs[actionID][s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.actionID]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.actionID)
	}
	close(s.ch)
}

// NotifyActionUpdate delivers an update to every subscriber of the action.
// Sends never block; a full subscriber buffer drops the update.
func (h *Hub) NotifyActionUpdate(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[u.ID] {
		select {
		case s.ch <- u:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers an action has.
func (h *Hub) SubscriberCount(actionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[actionID])
}

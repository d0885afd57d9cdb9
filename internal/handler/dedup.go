package handler

import "sync"

// Deduplicator tracks natural keys (emails) observed across the process
// lifetime. It is shared by all actions and never evicted, so memory grows
// with the number of distinct keys seen; bound it externally if that
// matters for your deployment. A mutex guards the set because handler
// invocations may run on multiple goroutines.
type Deduplicator struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduplicator creates an empty deduplication index.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{seen: make(map[string]struct{})}
}

// IsDuplicate reports whether key has been seen before, recording it
// either way. The first caller for a given key gets false.
func (d *Deduplicator) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Len returns the number of distinct keys recorded.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

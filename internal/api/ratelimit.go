package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/crmforge/bulkactions/internal/pkg/httputil"
)

// RateLimiter enforces a fixed-window request cap per account on intake
// routes. State is per process; a multi-instance deployment gets the limit
// per instance, which is acceptable for an abuse guard.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

// NewRateLimiter creates a limiter allowing limit requests per window per
// account.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow records one request for the account and reports whether it is
// within the limit.
func (rl *RateLimiter) Allow(account string) bool {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[account]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[account] = &rateWindow{start: now, count: 1}
		return true
	}
	w.count++
	return w.count <= rl.limit
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(accountID(r)) {
			httputil.TooManyRequests(w, int(rl.window.Seconds()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

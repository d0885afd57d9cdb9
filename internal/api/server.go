// Package api exposes the bulk action platform over HTTP: intake, listing,
// per-action stats and entities, account summaries, and an SSE progress
// stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crmforge/bulkactions/internal/action"
	"github.com/crmforge/bulkactions/internal/notify"
	"github.com/crmforge/bulkactions/internal/storage"
)

// Server is the HTTP front end.
type Server struct {
	handlers *Handlers
	router   *chi.Mux
	server   *http.Server
}

// NewServer wires the HTTP server around an intake service and the
// progress hub. archiver and limiter may be nil.
func NewServer(svc ActionService, hub *notify.Hub, limiter *RateLimiter, archiver *storage.Archiver) *Server {
	handlers := NewHandlers(svc, hub, archiver)
	return &Server{
		handlers: handlers,
		router:   SetupRoutes(handlers, limiter),
	}
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
		// No WriteTimeout: the SSE stream holds its response open for the
		// life of the subscription.
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// accountID resolves the account a request acts for.
func accountID(r *http.Request) string {
	if id := r.Header.Get("X-Account-ID"); id != "" {
		return id
	}
	return action.DefaultAccountID
}

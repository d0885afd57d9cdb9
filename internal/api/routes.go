package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures the router. limiter may be nil to disable intake
// rate limiting (tests).
func SetupRoutes(h *Handlers, limiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Account-ID"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/bulk-actions", func(r chi.Router) {
		// Intake is rate limited per account; reads are not.
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/", h.CreateBulkAction)
			r.Post("/upload", h.UploadBulkAction)
		})

		r.Get("/", h.ListBulkActions)
		r.Get("/types", h.ListActionTypes)
		r.Get("/status/summary", h.StatusSummary)
		r.Get("/{id}", h.GetBulkAction)
		r.Get("/{id}/stats", h.GetBulkActionStats)
		r.Get("/{id}/entities", h.ListBulkActionEntities)
		r.Get("/{id}/logs", h.ListBulkActionLogs)
		r.Get("/{id}/events", h.StreamBulkActionEvents)
	})

	return r
}

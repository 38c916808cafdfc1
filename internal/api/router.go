package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		// Meter inventory and the approval workflow
		r.Route("/meters", func(r chi.Router) {
			r.Get("/", s.handleListMeters)

			r.Route("/pending", func(r chi.Router) {
				r.Get("/", s.handleListPending)
				r.Get("/stale", s.handleListStale)
				r.Post("/sweep", s.handleSweep)
			})

			r.Post("/{id}/approve", s.handleApprove)
		})

		// Broadcast subscription transports
		r.Get("/stream", s.handleStream)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

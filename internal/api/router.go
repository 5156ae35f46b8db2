package api

import (
	"net/http"
	"time"

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
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// WebSocket authenticates in the handler: bearer header or ticket.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Get("/metrics", s.handleMetrics)

			r.Route("/entries", func(r chi.Router) {
				r.Get("/", s.handleListEntries)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEntry)
					r.Delete("/", s.handleRemoveEntry)
					r.Post("/reload", s.handleReloadEntry)
					r.Post("/options", s.handleStartOptions)
				})
			})

			r.Route("/flows", func(r chi.Router) {
				r.Get("/", s.handleListFlows)
				r.Post("/", s.handleStartFlow)
				r.Post("/{id}", s.handleConfigureFlow)
				r.Delete("/{id}", s.handleAbortFlow)
			})

			r.Route("/options", func(r chi.Router) {
				r.Post("/{id}", s.handleConfigureOptions)
				r.Delete("/{id}", s.handleAbortFlow)
			})

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.handleListEntities)
				r.Get("/{entity_id}", s.handleGetEntity)
				r.Post("/{entity_id}/services/{service}", s.handleCallService)
			})
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":   "ok",
		"version":  s.version,
		"zones":    len(s.zones.Zones()),
		"switches": s.zones.LoadedSwitches(),
		"uptime":   int64(time.Since(s.startTime).Seconds()),
	}
	if s.bridge != nil {
		resp["bridge"] = s.bridge.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

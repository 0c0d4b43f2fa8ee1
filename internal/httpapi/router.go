// Package httpapi is the HTTP ingress: the source webhook, the queue
// push endpoint, the reconcile trigger, and health.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/capsync/internal/auth"
	"github.com/erauner12/capsync/internal/domain"
	"github.com/erauner12/capsync/internal/engine"
)

// Backend is the engine surface the HTTP layer needs.
type Backend interface {
	Enqueue(ctx context.Context, msg domain.SyncMessage) error
	Reconcile(ctx context.Context) (*engine.Summary, error)
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	Backend       Backend
	WebhookSecret string
	Auth          auth.Config
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Post("/todoist/webhook", s.TodoistWebhook)

	// Internal endpoints require a bearer credential.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.Auth))
		r.Post("/internal/queue/push", s.QueuePush)
		r.Post("/internal/reconcile", s.TriggerReconcile)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// TriggerReconcile runs a synchronous reconciliation pass and returns
// its summary.
func (s *Server) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	sum, err := s.Backend.Reconcile(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("manual reconcile failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

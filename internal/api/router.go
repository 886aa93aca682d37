// Package api wires the HTTP routes of the hordetrack service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/kiranshivaraju/hordetrack/internal/api/middleware"
	"github.com/kiranshivaraju/hordetrack/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	SubmitHandler      http.HandlerFunc
	ListJobsHandler    http.HandlerFunc
	CheckHandler       http.HandlerFunc
	CancelHandler      http.HandlerFunc
	StatusHandler      http.HandlerFunc
	GenerationsHandler http.HandlerFunc
	CreateKeyHandler   http.HandlerFunc
	ListKeysHandler    http.HandlerFunc
	RevokeKeyHandler   http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/jobs", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Post("/api/jobs/{jobId}/check", orNotImplemented(deps.CheckHandler))
		r.Post("/api/jobs/{jobId}/cancel", orNotImplemented(deps.CancelHandler))
		r.Get("/api/jobs/{jobId}/status", orNotImplemented(deps.StatusHandler))
		r.Get("/api/jobs/{jobId}/generations", orNotImplemented(deps.GenerationsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

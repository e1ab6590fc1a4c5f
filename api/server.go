/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logging:    One zerolog line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. Metrics:    Prometheus counters by route pattern
  6. CORS:       Cross-origin requests for the field UI
  Under /api only:
  7. RequireOwner: X-Owner-Id is mandatory and scopes every query
  8. RateLimit:    Token bucket per owner

ROUTE GROUPS:
  /api/holders, /api/contacts   Collaborator records and schedules
  /api/routes, /api/waypoints   Routes, transitions, event stream
  /api/history                  Reschedule ledger
  /api/billing                  Clients, records, summary
  /api/admin                    Batch jobs
  /healthz, /metrics            Operations

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/visit-engine/metrics"
)

// RouterConfig holds the optional parts of the router.
type RouterConfig struct {
	AllowedOrigins []string
	// RateLimiter is nil when rate limiting is disabled.
	RateLimiter *RateLimiter
	// MetricsPath is where Prometheus scrapes; empty disables the endpoint.
	MetricsPath string
	Logger      zerolog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, config RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(config.Logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)

	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", OwnerHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	if config.MetricsPath != "" {
		r.Handle(config.MetricsPath, metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireOwner)
		if config.RateLimiter != nil {
			r.Use(config.RateLimiter.Middleware)
		}

		r.Post("/holders", h.CreateHolder)

		r.Route("/contacts", func(r chi.Router) {
			r.Post("/", h.CreateContact)
			r.Get("/{id}", h.GetContact)
			r.Put("/{id}/schedule", h.PutSchedule)
			r.Get("/{id}/next-occurrence", h.NextOccurrence)
		})

		r.Route("/routes", func(r chi.Router) {
			r.Post("/", h.CreateRoute)
			r.Get("/{id}", h.GetRoute)
			r.Get("/{id}/events", h.RouteEvents)
		})

		r.Route("/waypoints", func(r chi.Router) {
			r.Get("/{id}", h.GetWaypoint)
			r.Post("/{id}/transitions", h.TransitionWaypoint)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.GetHistory)
			r.Get("/export", h.ExportHistory)
		})

		r.Route("/billing", func(r chi.Router) {
			r.Put("/clients", h.PutBillingClient)
			r.Get("/clients", h.ListBillingClients)
			r.Get("/records", h.GetBillingRecords)
			r.Get("/records/export", h.ExportBillingRecords)
			r.Get("/summary", h.GetBillingSummary)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/jobs/{name}/run", h.RunJob)
			r.Get("/jobs/runs", h.ListJobRuns)
		})
	})

	return r
}

// Health reports liveness, checking the store with a one-row read.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.Store.ListOwners(r.Context(), "", 1); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:   Unique ID per request for tracing
  2. RequestLog:  zerolog logger on the context, one line per request
  3. Recoverer:   Panic recovery (500 instead of crash)
  4. CORS:        Cross-origin requests for the back-office frontend
  5. TenantScope: Optional bearer token carrying tenant_id

ROUTE GROUPS:
  /api/families/*       Families, balances, manual ledger entries
  /api/members/*        Members and member balances
  /api/statements       Statement generation and listing
  /api/subscriptions/*  Recurring schedules
  /api/tenants/*        Per-tenant automation settings
  /api/automation/*     Batch runs
  /api/scenarios/*      Demo data
  /metrics              Prometheus
  /healthz              Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/warp/dues-engine/logger"
	"github.com/warp/dues-engine/metrics"
)

// RouterConfig holds the router's deploy-time settings.
type RouterConfig struct {
	CORSOrigins []string
	JWTSecret   string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TenantHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(TenantScope([]byte(cfg.JWTSecret)))

		// Family routes
		r.Route("/families", func(r chi.Router) {
			r.Get("/", h.ListFamilies)
			r.Post("/", h.CreateFamily)
			r.Get("/{id}/balance", h.GetFamilyBalance)
			r.Get("/{id}/events", h.ListFamilyEvents)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Post("/{id}/withdrawals", h.RecordWithdrawal)
			r.Post("/{id}/lifecycle-charges", h.RecordLifecycleCharge)
		})

		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.CreateMember)
			r.Get("/{id}/balance", h.GetMemberBalance)
		})

		// Statement routes
		r.Route("/statements", func(r chi.Router) {
			r.Get("/", h.ListStatements)
			r.Post("/", h.GenerateStatement)
		})

		// Subscription routes
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", h.ListSubscriptions)
			r.Post("/", h.CreateSubscription)
			r.Get("/{id}", h.GetSubscription)
			r.Post("/{id}/cancel", h.CancelSubscription)
		})

		// Tenant settings
		r.Get("/tenants/{id}/automation", h.GetAutomationSettings)
		r.Put("/tenants/{id}/automation", h.PutAutomationSettings)

		// Automation runs
		r.Route("/automation", func(r chi.Router) {
			r.Post("/monthly-payments", h.RunMonthlyPayments)
			r.Post("/overdue-reminders", h.RunOverdueReminders)
			r.Post("/upcoming-reminders", h.RunUpcomingReminders)
			r.Post("/run-daily", h.RunDaily)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLog puts a request-scoped logger on the context and logs each
// request when it completes.
func RequestLog(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := base.With().Str("request_id", middleware.GetReqID(r.Context())).Logger()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), log)))

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

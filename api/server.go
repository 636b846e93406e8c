/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in error logs
  2. RealIP:     Client address from proxy headers
  3. Logging:    One structured line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the parent portal

ROUTE GROUPS:
  /api/health                  Liveness
  /api/schools                 Tenant list and creation
  /api/schools/{schoolID}/*    Everything scoped to one school

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the router with all routes configured. An empty
// allowedOrigins allows any origin.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Get("/schools", h.ListSchools)
		r.Post("/schools", h.CreateSchool)

		r.Route("/schools/{schoolID}", func(r chi.Router) {
			r.Get("/", h.GetSchool)
			r.Patch("/", h.UpdateSchool)
			r.Get("/stats", h.Stats)

			r.Route("/settings", func(r chi.Router) {
				r.Get("/", h.ListSettings)
				r.Get("/{key}", h.GetSetting)
				r.Put("/{key}", h.PutSetting)
			})

			// Families
			r.Route("/parents", func(r chi.Router) {
				r.Get("/", h.ListParents)
				r.Post("/", h.RegisterParent)
				r.Get("/{parentID}", h.GetFamily)
				r.Patch("/{parentID}/requirement", h.OverrideRequirement)
				r.Put("/{parentID}/crm-contact", h.LinkCRMContact)
				r.Get("/{parentID}/signups", h.ParentSignups)
				r.Post("/{parentID}/purchases", h.RecordPurchase)
				r.Post("/{parentID}/adjustments", h.RecordAdjustment)
			})

			// Opportunities
			r.Route("/opportunities", func(r chi.Router) {
				r.Get("/", h.ListOpportunities)
				r.Post("/", h.CreateOpportunity)
				r.Get("/upcoming", h.UpcomingOpportunities)
				r.Get("/{opportunityID}", h.GetOpportunity)
				r.Put("/{opportunityID}", h.UpdateOpportunity)
				r.Delete("/{opportunityID}", h.DeleteOpportunity)
				r.Get("/{opportunityID}/signups", h.OpportunitySignups)
				r.Post("/{opportunityID}/signups", h.Signup)
			})

			r.Post("/signups/{signupID}/cancel", h.CancelSignup)
			r.Post("/signups/{signupID}/attendance", h.MarkAttendance)

			// Billing
			r.Route("/billing", func(r chi.Router) {
				r.Get("/", h.BillingSummary)
				r.Get("/records", h.BillingRecords)
				r.Post("/generate", h.GenerateBilling)
				r.Patch("/records/{recordID}", h.SetBillingStatus)
			})

			r.Post("/rollover", h.Rollover)
			r.Post("/broadcasts", h.Broadcast)
		})
	})

	return r
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

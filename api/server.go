/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend
  5. Throttle:   Token-bucket rate limiting on the whole API

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
	"golang.org/x/time/rate"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(rateLimit(rate.NewLimiter(rate.Limit(100), 200)))

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/resources", func(r chi.Router) {
			r.Get("/", h.ListResources)
			r.Post("/", h.CreateResource)
			r.Get("/{id}", h.GetResource)
			r.Delete("/{id}", h.RetireResource)
			r.Get("/{id}/movements", h.ListMovements)
			r.Post("/{id}/movements", h.RecordMovement)
			r.Get("/{id}/history", h.ListStatusChanges)
			r.Post("/{id}/maintenance", h.MarkUnavailable)
			r.Post("/{id}/restore", h.RestoreResource)
		})

		r.Route("/loans", func(r chi.Router) {
			r.Get("/", h.ListLoans)
			r.Post("/", h.OpenLoan)
			r.Post("/{id}/return", h.CloseLoan)
		})

		r.Route("/reservations", func(r chi.Router) {
			r.Post("/", h.OpenReservation)
			r.Post("/{id}/cancel", h.CancelReservation)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/overdue", h.OverdueReport)
			r.Get("/low-stock", h.LowStockReport)
			r.Get("/summary", h.SummaryReport)
		})
	})

	return r
}

// rateLimit sheds load with a shared token bucket. Exhaustion returns
// 429 rather than queueing requests behind the limiter.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
					Error:     "rate limit exceeded",
					Kind:      "busy",
					Retryable: true,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

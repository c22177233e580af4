/**
 * @description
 * HTTP router setup for the billing service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the billing routes.
// The internal run route gets no request timeout since a batch may run for a long time.
func NewRouter(h *Handler, keys KeySource, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))
		r.Post("/run", h.handleRunBatch)
		r.Post("/expire", h.handleExpireCancellations)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(ClerkAuthMiddleware(keys))
		r.Get("/subscription", h.handleGetSubscription)
		r.Post("/subscription", h.handleCreateSubscription)
		r.Post("/subscription/cancel", h.handleCancelSubscription)
		r.Post("/subscription/reactivate", h.handleReactivateSubscription)
		r.Put("/subscription/card", h.handleChangeCard)
		r.Get("/subscription/payments", h.handleListPayments)
		r.Get("/subscription/entitlement", h.handleGetEntitlement)
	})

	return r
}

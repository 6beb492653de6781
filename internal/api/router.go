/**
 * @description
 * This file sets up the HTTP router for the lending-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes creates and returns the router for the lending service.
func Routes(h *Handlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Gateway-facing endpoints. The gateway and the provider authenticate at
	// the network layer (IP allowlisting), not per request.
	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware("gateway"))
		r.Post("/ussd", h.UssdCallbackHandler)
		r.Post("/payments/callback", h.PaymentCallbackHandler)
		r.Post("/payments/b2c-result", h.B2CResultHandler)
	})

	// Internal admin surface.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))
		r.Use(MetricsMiddleware("admin"))
		r.Get("/admin/loans", h.AdminListLoansHandler)
		r.Post("/admin/loans/{id}/approve", h.AdminApproveLoanHandler)
		r.Post("/admin/loans/{id}/reject", h.AdminRejectLoanHandler)
		r.Get("/admin/transactions/unmatched", h.AdminUnmatchedTransactionsHandler)
		r.Get("/admin/users/{phone}/wallet", h.AdminWalletHandler)
	})

	return r
}

/**
 * @description
 * This file sets up the HTTP router for the payment-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser checkout flow.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PaymentRoutes creates and returns a new router for the payment service.
func PaymentRoutes(h *PaymentHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any major browsers
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		// Checkout flow
		r.Post("/payment/capture", h.CaptureHandler)
		r.Post("/payment/verify", h.VerifyHandler)
		r.Get("/payment/transactions", h.ListTransactionsHandler)

		// Student refund requests
		r.Post("/payment/refund-requests", h.CreateRefundRequestHandler)

		// Admin back-office
		r.Group(func(r chi.Router) {
			r.Use(AdminOnlyMiddleware(internalAPIKey))

			r.Post("/payment/refund", h.RefundTransactionHandler)
			r.Get("/payment/refund-requests", h.ListRefundRequestsHandler)
			r.Post("/payment/refund-requests/{requestID}/approve", h.ApproveRefundRequestHandler)
			r.Post("/payment/refund-requests/{requestID}/reject", h.RejectRefundRequestHandler)
			r.Get("/payment/transactions/{transactionID}/steps", h.SettlementStepsHandler)
		})
	})

	return r
}

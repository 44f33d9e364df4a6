/**
 * @description
 * HTTP router setup for the fulfillment-service using go-chi/chi.
 *
 * Three surfaces share the router:
 * - /webhooks/{gateway}: signed gateway notifications, no other auth.
 * - /internal: server-to-server calls from the storefront, guarded by X-Internal-API-Key.
 * - /admin: operator actions, guarded by an HS256 bearer token.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig carries the credentials the middleware checks.
type RouterConfig struct {
	InternalAPIKey string
	AdminJWTSecret string
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers the fulfillment routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Fulfillment service is healthy"))
	})

	r.Post("/webhooks/{gateway}", h.handleGatewayWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/orders", h.handleCreateOrder)
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Get("/orders/{id}/esim", h.handleGetEsimProfile)
		r.Post("/orders/{id}/checkout", h.handleStartCheckout)
		r.Get("/customers/{customerID}/balance", h.handleGetBalance)
		r.Get("/customers/{customerID}/transactions", h.handleListTransactions)
		r.Post("/customers/{customerID}/top-ups", h.handleStartTopUp)
	})

	r.Route("/admin", func(r chi.Router) {
		origins := cfg.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"https://*", "http://*"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
		r.Get("/orders/{id}", h.handleGetOrder)
		r.Get("/orders/{id}/events", h.handleOrderEvents)
		r.Post("/orders/{id}/resume", h.handleResumeOrder)
		r.Post("/orders/{id}/fail", h.handleFailOrder)
		r.Post("/orders/{id}/cancel", h.handleCancelOrder)
		r.Post("/orders/{id}/refund", h.handleRefundOrder)
		r.Post("/orders/{id}/replay", h.handleReplayOrder)
		r.Get("/customers/{customerID}/balance", h.handleGetBalance)
		r.Get("/customers/{customerID}/events", h.handleBalanceEvents)
		r.Post("/customers/{customerID}/adjustments", h.handleAdjustBalance)
		r.Post("/customers/{customerID}/replay", h.handleReplayBalance)
	})

	return r
}

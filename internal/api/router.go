/**
 * @description
 * This file sets up the HTTP router for the link service. Merchant endpoints under
 * /v1 require a bearer token; provider webhooks are unauthenticated and verified by
 * signature instead.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: routing and middleware.
 * - github.com/go-chi/cors: CORS for browser clients.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	Auth           AuthConfig
	AllowedOrigins []string
}

// NewRouter creates the chi router with every route registered.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Post("/webhooks/{provider}/{configID}", h.handleWebhook)

	r.Route("/v1", func(r chi.Router) {
		r.Use(TenantAuthMiddleware(opts.Auth))

		r.Get("/configs", h.handleListConfigs)
		r.Post("/configs", h.handleCreateConfig)
		r.Get("/configs/{id}", h.handleGetConfig)
		r.Patch("/configs/{id}", h.handleUpdateConfig)
		r.Delete("/configs/{id}", h.handleDeleteConfig)
		r.Post("/configs/{id}/test", h.handleTestConfig)

		r.Get("/links", h.handleListLinks)
		r.Post("/links", h.handleCreateLink)
		r.Get("/links/{id}", h.handleGetLink)
		r.Post("/links/{id}/cancel", h.handleCancelLink)
		r.Get("/links/{id}/transactions", h.handleListTransactions)
	})

	return r
}

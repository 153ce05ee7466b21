/*
server.go - HTTP router and middleware configuration

MIDDLEWARE STACK:
  1. Logger:     request logging
  2. Recoverer:  panic recovery (500 instead of crash)
  3. RequestID:  unique id per request for tracing
  4. CORS:       merchant dashboard / customer app frontends

ROUTES:
  /tokens/*            token issuance, preview, settlement, void
  /customers/*         balances and ledger history
  /businesses/*        business registry and rate schedules
  /platform/revenue    accumulated platform commission
  /healthz, /metrics   ops
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/tokens", func(r chi.Router) {
		r.Post("/", h.IssueToken)
		r.Get("/{id}", h.GetToken)
		r.Post("/{id}/settle", h.SettleToken)
		r.Post("/{id}/void", h.VoidToken)
	})

	r.Route("/customers", func(r chi.Router) {
		r.Get("/{id}/balance", h.GetBalance)
		r.Get("/{id}/entries", h.GetEntries)
	})

	r.Route("/businesses", func(r chi.Router) {
		r.Get("/", h.ListBusinesses)
		r.Post("/", h.CreateBusiness)
		r.Get("/{id}", h.GetBusiness)
	})

	r.Get("/platform/revenue", h.GetPlatformRevenue)
	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

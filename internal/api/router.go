package api

import (
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-chi/chi/v5"

	"github.com/daap14/tenantdb/internal/api/handler"
	"github.com/daap14/tenantdb/internal/api/middleware"
	"github.com/daap14/tenantdb/internal/auth"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	DBPinger    handler.DBPinger
	Version     string
	Cache       handler.ConnectionCache
	Provisioner handler.Provisioner
	Checker     handler.TenantChecker
	Dropper     handler.TenantDropper
	Acquirer    handler.ConnectionAcquirer
	AuthService *auth.Service
	Gatherer    prometheus.Gatherer
}

// NewRouter creates and configures a Chi router with all middleware and routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)

	healthHandler := handler.NewHealthHandler(deps.DBPinger, deps.Cache, deps.Version)
	r.Get("/health", healthHandler.ServeHTTP)

	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	tenantHandler := handler.NewTenantHandler(deps.Provisioner, deps.Checker, deps.Dropper, deps.Acquirer)
	connHandler := handler.NewConnectionsHandler(deps.Cache)

	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminToken(deps.AuthService))

		r.Route("/tenants", func(r chi.Router) {
			r.Post("/database/provision", tenantHandler.ProvisionPending)
			r.Route("/{id}/database", func(r chi.Router) {
				r.Delete("/", tenantHandler.Drop)
				r.Post("/provision", tenantHandler.Provision)
				r.Post("/health", tenantHandler.CheckHealth)
				r.Post("/ping", tenantHandler.Ping)
			})
		})

		r.Route("/connections", func(r chi.Router) {
			r.Get("/", connHandler.List)
			r.Delete("/{id}", connHandler.Release)
		})
	})

	return r
}

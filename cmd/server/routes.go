package main

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpHandlers "github.com/JeanGrijp/ipblock/internal/adapters/http/handlers"
	httpMiddleware "github.com/JeanGrijp/ipblock/internal/adapters/http/middleware"
	"github.com/JeanGrijp/ipblock/internal/core/services"
	"github.com/JeanGrijp/ipblock/internal/logging"
)

type routerConfig struct {
	AdminToken   string
	MaxBodyBytes int64
}

// newRouter builds the HTTP surface. Health and metrics bypass the IP block
// middleware; every other route, the admin API included, is guarded.
func newRouter(svc *services.IPBlockService, cfg routerConfig, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", httpHandlers.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httpMiddleware.NewIPBlockMiddleware(svc, cfg.MaxBodyBytes, logging.WithComponent("http")))

		if cfg.AdminToken != "" {
			r.Mount("/admin/blocks", httpHandlers.NewAdminHandler(svc, cfg.AdminToken, logging.WithComponent("admin")).Routes())
		} else {
			logger.Info("admin_api_disabled", "reason", "ADMIN_TOKEN not set")
		}

		r.Get("/test", httpHandlers.TestHandler)
		r.NotFound(httpHandlers.NotFound)
	})

	return r
}

package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhouzirui/tavern-relay/internal/config"
	"github.com/zhouzirui/tavern-relay/internal/handler/admin"
	"github.com/zhouzirui/tavern-relay/internal/middleware"
	"github.com/zhouzirui/tavern-relay/internal/service/relay"
	"github.com/zhouzirui/tavern-relay/internal/service/session"
	"github.com/zhouzirui/tavern-relay/pkg/logging"
)

// NewRouter wires the admin console routes to the relay worker.
func NewRouter(worker *relay.Worker, settings *config.Manager, table *session.Table, logs *logging.Buffer) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS)

	adminHandler := admin.New(worker, settings, table, logs)

	r.Route("/api", func(api chi.Router) {
		adminHandler.RegisterRoutes(api)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

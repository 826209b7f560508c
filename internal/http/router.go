package httpserver

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/converter-saas-back/internal/http/handlers"
	"github.com/iago/converter-saas-back/internal/http/middleware"
	"github.com/iago/converter-saas-back/internal/logger"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *logger.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewRouter builds the HTTP surface. ctx bounds background work owned by the
// middleware chain.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.ClientIP,
		middleware.Trace(deps.Logger),
		middleware.Metrics,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}),
	)

	router.Get("/healthz", deps.API.Health)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(ctx, deps.RateLimitRPS, deps.RateLimitBurst))
		r.Get("/jobs", deps.API.ListJobs)
		r.Get("/jobs/{id}", deps.API.JobDetail)
		r.Get("/jobs/{id}/download", deps.API.Download)
		r.Post("/{tool}/{operation}", deps.API.Submit)
	})

	return router
}

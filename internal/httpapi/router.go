// Package httpapi exposes the client feature endpoints over HTTP.
package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/rpattn/flagstate/internal/domain"
	"github.com/rpattn/flagstate/internal/metrics"
	"github.com/rpattn/flagstate/internal/middleware"
	"github.com/rpattn/flagstate/pkg/validator"
)

// FeatureService is what the handlers need from the client feature service.
type FeatureService interface {
	Meta(ctx context.Context, query domain.FeatureQuery) (domain.ClientFeaturesMeta, error)
	Response(ctx context.Context, query domain.FeatureQuery, withSegments bool) (domain.ClientFeaturesResponse, error)
	GetClientFeature(ctx context.Context, query domain.FeatureQuery, name string) (domain.ClientFeature, error)
	GetFeaturesByEnvironment(ctx context.Context, query domain.FeatureQuery, environments []string) (domain.EnvironmentFeatures, error)
}

// EnvironmentLister lists enabled environments.
type EnvironmentLister interface {
	ListEnabled(ctx context.Context) ([]string, error)
}

// RouterConfig carries the router's collaborators. Metrics, Environments,
// Healthcheck and Export are optional.
type RouterConfig struct {
	Service          FeatureService
	Environments     EnvironmentLister
	Healthcheck      func(context.Context) error
	Metrics          *metrics.Metrics
	Export           http.Handler
	Logger           *zap.Logger
	AllowedOrigins   []string
	AllowCredentials bool
}

// NewRouter wires middleware and routes.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		service:      cfg.Service,
		environments: cfg.Environments,
		healthcheck:  cfg.Healthcheck,
		validator:    validator.NewQueryValidator(),
		logger:       logger.Named("http"),
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowCredentials: cfg.AllowCredentials,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"ETag", chimiddleware.RequestIDHeader},
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware(h.logger, cfg.Metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.GetHead)
	r.Use(corsHandler.Handler)

	r.Get("/health", h.handleHealth)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	r.Route("/api/client", func(r chi.Router) {
		r.Get("/features", h.handleFeatures)
		r.Get("/features/{featureName}", h.handleFeature)
		r.With(middleware.DataLoaderMiddleware(cfg.Service)).
			Get("/environments/features", h.handleEnvironmentFeatures)
	})

	if cfg.Export != nil {
		r.Method(http.MethodGet, "/api/admin/export", cfg.Export)
	}

	return r
}

package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/internal/config"
	"github.com/stinger-ai/stinger/internal/handlers"
	"github.com/stinger-ai/stinger/internal/middleware"
	"github.com/stinger-ai/stinger/internal/services/session"
	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/pipeline"
	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

func NewRouter(cfg *config.Config, logger *zap.Logger, pipelines *pipeline.Cache, sessions *session.Store, classifier *classify.OpenAIClassifier) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.MetricsMiddleware(logger))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		ExposedHeaders:   cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	// Per-conversation limits apply to conversations created by session
	// resolution; client-managed conversations carry their own.
	var convLimits ratelimit.Limits
	if cfg.RateLimit.Enabled {
		if windows, ok := cfg.RateLimit.Classes["conversation"]; ok {
			convLimits = windows.Limits()
		}
	}

	checkHandler := handlers.NewCheckHandler(logger, pipelines, sessions, cfg.Pipeline.Preset, convLimits)
	rulesHandler := handlers.NewRulesHandler(logger, cfg.Pipeline.Preset)
	healthHandler := handlers.NewHealthHandler(logger, pipelines, cfg.Pipeline.Preset, classifier)

	// Health check
	r.Get("/health", healthHandler.Health)

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/check", checkHandler.Check)
		r.Get("/rules", rulesHandler.Rules)
	})

	// Not found handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		if _, err := w.Write([]byte(`{"error": {"message": "Not found", "type": "not_found_error"}}`)); err != nil {
			logger.Error("Failed to write 404 response", zap.Error(err))
		}
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		if _, err := w.Write([]byte(`{"error": {"message": "Method not allowed", "type": "invalid_request_error"}}`)); err != nil {
			logger.Error("Failed to write 405 response", zap.Error(err))
		}
	})

	return r
}

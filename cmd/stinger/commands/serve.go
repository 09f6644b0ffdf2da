package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/internal/config"
	"github.com/stinger-ai/stinger/internal/database"
	"github.com/stinger-ai/stinger/internal/logger"
	"github.com/stinger-ai/stinger/internal/router"
	"github.com/stinger-ai/stinger/internal/services/session"
	"github.com/stinger-ai/stinger/pkg/audit"
	"github.com/stinger-ai/stinger/pkg/audit/archive"
	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/pipeline"
	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

func NewServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the policy enforcement HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Audit trail, flushed on the way out.
	if cfg.Audit.Enabled {
		opts := auditOptions(cfg.Audit, log)
		if cfg.Audit.Archive.DSN != "" {
			db, err := database.Connect(database.Config{DSN: cfg.Audit.Archive.DSN}, log)
			if err != nil {
				log.Warn("Audit archive unavailable, continuing without it", zap.Error(err))
			} else {
				arch, err := archive.New(db, log)
				if err != nil {
					log.Warn("Audit archive schema migration failed", zap.Error(err))
					_ = database.Close(db)
				} else {
					opts = append(opts, audit.WithSink(arch))
					defer func() { _ = database.Close(db) }()
				}
			}
		}
		if err := audit.Enable(opts...); err != nil {
			return fmt.Errorf("failed to enable audit trail: %w", err)
		}
		defer func() { _ = audit.Disable() }()
	}

	// Rate limiter backend
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = buildLimiter(cfg, log)
		if err != nil {
			return err
		}
		if memory, ok := limiter.(*ratelimit.MemoryLimiter); ok {
			defer memory.Stop()
		}
	}

	classifier := classify.NewOpenAIClassifier(cfg.Classifier, log)
	if !classifier.Configured() {
		log.Warn("No classifier API key configured, remote guardrails degrade to pattern analysis")
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithClassifier(classifier),
		pipeline.WithParallel(cfg.Pipeline.Parallel),
		pipeline.WithSlack(cfg.Pipeline.Slack),
		pipeline.WithMaxContentBytes(cfg.Pipeline.MaxContentSize),
	}
	if limiter != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithLimiter(limiter))
	}
	pipelines := pipeline.NewCache(pipelineOpts...)

	// Fail fast on an unusable default preset.
	p, err := pipelines.Get(cfg.Pipeline.Preset)
	if err != nil {
		return fmt.Errorf("default preset %q: %w", cfg.Pipeline.Preset, err)
	}
	log.Info("Default pipeline ready",
		zap.String("preset", cfg.Pipeline.Preset),
		zap.Int("guardrails", p.GuardrailCount()))

	sessions := session.NewStore(cfg.Session.TTL, log)
	defer sessions.Stop()

	handler := router.NewRouter(cfg, log, pipelines, sessions, classifier)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Stinger server starting", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server shutdown complete")
	return nil
}

func auditOptions(cfg config.AuditConfig, log *zap.Logger) []audit.Option {
	opts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.Destinations) > 0 {
		opts = append(opts, audit.WithDestinations(cfg.Destinations))
	}
	if cfg.RedactPII != nil {
		opts = append(opts, audit.WithRedaction(*cfg.RedactPII))
	}
	if cfg.Mode != "" {
		opts = append(opts, audit.WithMode(audit.Mode(cfg.Mode)))
	}
	if cfg.BufferSize > 0 {
		opts = append(opts, audit.WithBufferSize(cfg.BufferSize))
	}
	if cfg.FlushInterval > 0 {
		opts = append(opts, audit.WithFlushInterval(cfg.FlushInterval))
	}
	return opts
}

func buildLimiter(cfg *config.Config, log *zap.Logger) (ratelimit.Limiter, error) {
	limiterCfg := cfg.RateLimit.LimiterConfig()
	switch cfg.RateLimit.Backend {
	case "", "memory":
		return ratelimit.NewMemoryLimiter(limiterCfg, log), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Redis.Addr, err)
		}
		return ratelimit.NewRedisLimiter(client, limiterCfg, log), nil
	default:
		return nil, fmt.Errorf("unknown rate limit backend %q", cfg.RateLimit.Backend)
	}
}

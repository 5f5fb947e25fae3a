// Package main is the entry point for the nemesis ranking API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/nemesis/internal/api"
	"github.com/onnwee/nemesis/internal/config"
	"github.com/onnwee/nemesis/internal/db"
	"github.com/onnwee/nemesis/internal/health"
	"github.com/onnwee/nemesis/internal/middleware"
	"github.com/onnwee/nemesis/internal/nemesis"
	"github.com/onnwee/nemesis/internal/profile"
	"github.com/onnwee/nemesis/internal/tagcache"
	"github.com/onnwee/nemesis/internal/tracing"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	serviceName     = "nemesis-api"
	shutdownTimeout = 10 * time.Second
	cleanupInterval = 5 * time.Minute
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	memory := flag.Bool("memory", false, "serve from an empty in-memory store instead of Postgres")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("Nemesis API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// A missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg, errs := config.Load(*configPath)
	if *memory {
		errs = withoutError(errs, config.ErrMissingDatabaseURL)
	}
	if cfg == nil || len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *memory, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// withoutError drops every error matching target.
func withoutError(errs []error, target error) []error {
	kept := errs[:0]
	for _, err := range errs {
		if !errors.Is(err, target) {
			kept = append(kept, err)
		}
	}
	return kept
}

// run wires the server and blocks until ctx is canceled, then shuts down.
func run(ctx context.Context, cfg *config.Config, memory bool, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	reg := newRegistry()

	deps, cleanup, err := openDependencies(ctx, cfg, memory, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	handler, err := newHandler(ctx, cfg, deps, reg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ScoringTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return serve(ctx, server, logger)
}

// newRegistry returns the registry served at /metrics, preloaded with the Go
// runtime and process collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serve runs server until ctx is canceled and then drains it.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// dependencies are the long-lived clients shared by handlers.
type dependencies struct {
	store profile.Store
	db    *sql.DB
	redis *redis.Client
}

// openDependencies connects to Postgres (or builds an in-memory store) and,
// when configured, Redis. cleanup closes whatever was opened.
func openDependencies(ctx context.Context, cfg *config.Config, memory bool, logger *slog.Logger) (*dependencies, func(), error) {
	deps := &dependencies{}
	cleanup := func() {
		if deps.redis != nil {
			_ = deps.redis.Close()
		}
		if deps.db != nil {
			_ = deps.db.Close()
		}
	}

	if memory {
		logger.Warn("using in-memory profile store")
		deps.store = profile.NewInMemoryStore()
	} else {
		conn, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{})
		if err != nil {
			return nil, cleanup, err
		}
		deps.db = conn

		if cfg.MigrateOnStart {
			if err := migrate(conn, logger); err != nil {
				cleanup()
				return nil, func() {}, err
			}
		}

		pgv, err := db.CheckPgvector(ctx, conn)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		logger.Info("database connected", "pgvector", pgv)

		deps.store = profile.NewBreakerStore(profile.NewPostgresStore(conn, logger), profile.BreakerConfig{
			FailureThreshold: uint32(cfg.StoreBreakerFailures),
			OpenTimeout:      cfg.StoreBreakerTimeout,
			Logger:           logger,
		})
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("failed to parse redis url: %w", err)
		}
		deps.redis = redis.NewClient(opts)
	}

	return deps, cleanup, nil
}

func migrate(conn *sql.DB, logger *slog.Logger) error {
	mm, err := db.NewMigrationManager(conn)
	if err != nil {
		return err
	}
	if err := mm.Up(); err != nil {
		return err
	}
	v, dirty, err := mm.Version()
	if err != nil {
		return err
	}
	logger.Info("database migrated", "version", v, "dirty", dirty)
	return nil
}

// newHandler builds the routed handler wrapped in the middleware chain
// RequestID -> Tracing -> Logging -> HTTPMetrics -> RateLimiter.
func newHandler(ctx context.Context, cfg *config.Config, deps *dependencies, reg *prometheus.Registry, logger *slog.Logger) (http.Handler, error) {
	rankMetrics := nemesis.NewMetrics()
	if err := rankMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register ranking metrics: %w", err)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(reg); err != nil {
		return nil, fmt.Errorf("failed to register http metrics: %w", err)
	}

	weights, err := nemesis.LoadCalibration(cfg.RankingCalibrationPath)
	if err != nil {
		// Defaults are already in effect
		logger.Warn("ranking calibration ignored", "error", err)
	}

	tags, err := tagcache.New(deps.store, cfg.TagCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag cache: %w", err)
	}

	engine := nemesis.NewEngine(deps.store, nemesis.EngineConfig{
		Dimensions: cfg.EmbeddingDimensions,
		Weights:    weights,
		Workers:    cfg.ScoringWorkers,
		Timeout:    cfg.ScoringTimeout,
		Logger:     logger,
		Metrics:    rankMetrics,
		Tags:       tags,
	})

	policy, err := api.ParseReferencePolicy(cfg.ReferencePolicy)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	api.NewNemesisHandlers(api.NemesisHandlersConfig{
		Ranker:           engine,
		Users:            deps.store,
		DefaultPageSize:  cfg.DefaultPageSize,
		MaxPageSize:      cfg.MaxPageSize,
		DefaultPolicy:    policy,
		ReferenceTimeout: cfg.ScoringTimeout,
		Logger:           logger,
	}).Register(mux)

	healthCfg := api.HealthHandlersConfig{Logger: logger}
	if deps.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(deps.db)
	}
	if deps.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(deps.redis)
	}
	api.NewHealthHandlers(healthCfg).Register(mux)

	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	limit := middleware.RateLimitConfig{
		RequestsPerWindow: cfg.RateLimitRequests,
		WindowDuration:    cfg.RateLimitWindow,
	}
	if err := limit.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rate limit: %w", err)
	}

	var limiterStore middleware.RateLimitStore
	if deps.redis != nil {
		limiterStore = middleware.NewRedisRateLimitStore(deps.redis, httpMetrics, logger)
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		go cleanupLoop(ctx, memStore, cleanupInterval)
		limiterStore = memStore
	}

	var handler http.Handler = mux
	handler = middleware.RateLimiter(limiterStore, limit, middleware.IPKeyFunc(), httpMetrics)(handler)
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.RequestID(handler)
	return handler, nil
}

// cleanupLoop evicts expired rate limit buckets until ctx is canceled.
func cleanupLoop(ctx context.Context, store *middleware.InMemoryRateLimitStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Cleanup()
		}
	}
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/nemesis/internal/health"
)

// DefaultReadinessTimeout bounds all dependency checks of one readiness probe.
const DefaultReadinessTimeout = 2 * time.Second

// HealthHandlers provides liveness and readiness endpoints for Kubernetes probes.
type HealthHandlers struct {
	checkers map[string]health.Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	// DBChecker is nil in in-memory mode.
	DBChecker health.Checker
	// RedisChecker is nil when no redis_url is configured.
	RedisChecker health.Checker
	Timeout      time.Duration
	Logger       *slog.Logger
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	checkers := make(map[string]health.Checker, 2)
	if config.DBChecker != nil {
		checkers["database"] = config.DBChecker
	}
	if config.RedisChecker != nil {
		checkers["redis"] = config.RedisChecker
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultReadinessTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &HealthHandlers{
		checkers: checkers,
		timeout:  config.Timeout,
		logger:   config.Logger,
	}
}

// Register mounts the probe routes on mux.
func (h *HealthHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health/live", h.Live)
	mux.HandleFunc("GET /health/ready", h.Ready)
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Live handles GET /health/live. If we can respond, we're alive.
func (h *HealthHandlers) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /health/ready. Every configured dependency is checked
// under one shared timeout; any failure yields 503.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string, len(h.checkers))
	healthy := true
	for name, checker := range h.checkers {
		if err := checker.HealthCheck(ctx); err != nil {
			checks[name] = "error"
			healthy = false
			h.logger.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}

	writeJSON(w, r.Context(), code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Route patterns used as metric and span labels.
const (
	RouteRankNemeses  = "/v1/nemeses"
	RouteUserNemeses  = "/v1/users/{id}/nemeses"
	RouteHealthLive   = "/health/live"
	RouteHealthReady  = "/health/ready"
	RouteMetrics      = "/metrics"
	routeUnmatched    = "unmatched"
	userNemesesPrefix = "/v1/users/"
	userNemesesSuffix = "/nemeses"
)

// normalizePath maps a request path onto its route pattern so user ids never
// become label values. Unknown paths collapse into a single "unmatched" label.
func normalizePath(path string) string {
	switch path {
	case RouteRankNemeses, RouteHealthLive, RouteHealthReady, RouteMetrics:
		return path
	}

	if strings.HasPrefix(path, userNemesesPrefix) && strings.HasSuffix(path, userNemesesSuffix) {
		id := strings.TrimSuffix(strings.TrimPrefix(path, userNemesesPrefix), userNemesesSuffix)
		if id != "" && !strings.Contains(id, "/") {
			return RouteUserNemeses
		}
	}

	return routeUnmatched
}

// isHealthPath reports whether path is a probe endpoint excluded from metrics.
func isHealthPath(path string) bool {
	return path == RouteHealthLive || path == RouteHealthReady
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size and writes the data.
func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

// Unwrap exposes the underlying writer.
func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// It captures duration, request/response sizes, and request counts.
// Liveness and readiness probes are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isHealthPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}

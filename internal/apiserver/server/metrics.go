package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"genflow/internal/shared/metrics"
)

// MetricsMiddleware 创建 HTTP 指标中间件
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			// 包装 ResponseWriter 以捕获状态码
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			path := normalizePath(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// responseWriter 包装 http.ResponseWriter 以捕获状态码
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// normalizePath 规范化路径，将 Run ID 替换为占位符，避免高基数
//
//	/api/v1/runs/run-123            -> /api/v1/runs/{id}
//	/api/v1/runs/run-123/events     -> /api/v1/runs/{id}/events
func normalizePath(path string) string {
	const runsPrefix = "/api/v1/runs/"
	switch {
	case path == "/api/v1/runs", path == "/health", path == "/metrics":
		return path
	case strings.HasPrefix(path, runsPrefix):
		rest := strings.TrimPrefix(path, runsPrefix)
		if rest == "" {
			return "/api/v1/runs"
		}
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return runsPrefix + "{id}" + rest[i:]
		}
		return runsPrefix + "{id}"
	case strings.HasPrefix(path, "/api/docs"), strings.HasPrefix(path, "/api/openapi"):
		return "/api/docs"
	default:
		return "other"
	}
}

// MetricsHandler 返回指定 Gatherer 的 Prometheus HTTP Handler
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

package api

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"inference/internal/health"
	"inference/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service        Processor
	Metrics        *observability.Metrics
	HealthChecker  *health.Checker
	APIKey         string
	MaxUploadBytes int64
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.MaxUploadBytes)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /upload", authMiddleware(http.HandlerFunc(handler.Upload)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return otelhttp.NewHandler(h, "inference-service",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path == "/upload"
		}),
	)
}

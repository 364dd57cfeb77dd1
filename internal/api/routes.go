package api

import (
	"net/http"
	"simbroker/internal/health"
	"simbroker/internal/observability"
	"simbroker/internal/service"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service       *service.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string

	// CreateRate limits job submissions per second; 0 disables it.
	CreateRate  float64
	CreateBurst int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, auth(h))
	}

	limited := RateLimitMiddleware(cfg.CreateRate, cfg.CreateBurst)
	mux.Handle("POST /jobs/{$}", auth(limited(http.HandlerFunc(handler.CreateJob))))
	handle("GET /jobs/{$}", handler.ListJobs)
	handle("DELETE /jobs/{$}", handler.DeleteJobs)
	handle("GET /jobs/{job}", handler.GetJob)
	handle("DELETE /jobs/{job}", handler.DeleteJob)
	handle("GET /jobs/{job}/error", handler.GetJobError)
	for _, kind := range []service.VarKind{service.VarInputs, service.VarResults} {
		handle("GET /jobs/{job}/"+string(kind)+"/{$}", handler.ListVars(kind))
		handle("GET /jobs/{job}/"+string(kind)+"/{var}", handler.GetVar(kind))
	}
	handle("GET /jobs/{job}/file/{path...}", handler.GetFile)
	handle("GET /jobs/{job}/dir/{path...}", handler.ListDir)

	handle("GET /default/{$}", handler.ListVars(service.VarDefault))
	handle("PUT /default/{$}", handler.PutDefaults)
	handle("GET /default/{var}", handler.GetVar(service.VarDefault))
	handle("PUT /default/{var}", handler.PutDefault)
	handle("DELETE /default/{var}", handler.DeleteDefault)

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = RequestIDMiddleware()(h)
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"incidentauth/pkg/middleware"
	"incidentauth/pkg/session"
)

// RouterConfig wires the loopback callback server
type RouterConfig struct {
	CallbackPath string
	Callback     http.Handler
	// RateLimit bounds callback requests per second; zero disables it
	RateLimit float64
	Burst     int
	Logger    *zap.Logger
}

// NewRouter serves the callback, the app root, a health check and metrics
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := cfg.CallbackPath
	if path == "" {
		path = session.DefaultCallbackPath
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.SecurityHeaders)

	callback := cfg.Callback
	if cfg.RateLimit > 0 {
		burst := max(cfg.Burst, 1)
		callback = middleware.RateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst))(callback)
	}
	r.Method(http.MethodGet, path, callback)
	if path != "/" {
		// the landing page after a callback
		r.Method(http.MethodGet, "/", callback)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

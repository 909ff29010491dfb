// Package httpx serves the operational endpoints of the dispatcher.
package httpx

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions groups what the router exposes.
type RouterOptions struct {
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Checks run on every /healthz request, keyed by dependency name.
	Checks map[string]HealthCheck
	Logger *slog.Logger
}

// NewRouter returns the handler for /healthz and /metrics wrapped in the
// logging and recovery middleware.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	health := healthHandler(opts.Checks)
	mux.Handle("GET "+healthPath, health)
	mux.Handle("HEAD "+healthPath, health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}))

	var h http.Handler = mux
	h = Logging(logger)(h)
	h = Recover(logger)(h)
	return h
}

package api

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"qios/internal/hub"
	"qios/internal/logging"
	"qios/internal/metrics"
)

type RouteOptions struct {
	Hub            *hub.Hub
	Metrics        *metrics.Registry
	Logger         *logging.Logger
	AllowedOrigins []string
	Started        time.Time
	// FrameRate and FrameBurst bound inbound frames per connection.
	FrameRate  float64
	FrameBurst int
}

func RegisterRoutes(mux *http.ServeMux, options RouteOptions) {
	logger := options.Logger
	rest := &RestHandler{
		Hub:     options.Hub,
		Metrics: options.Metrics,
		Logger:  logger,
		Started: options.Started,
	}

	mux.Handle(participantRoute, &ParticipantHandler{
		Hub:            options.Hub,
		AllowedOrigins: options.AllowedOrigins,
		Logger:         logger,
		Metrics:        options.Metrics,
		FrameRate:      rate.Limit(options.FrameRate),
		FrameBurst:     options.FrameBurst,
	})
	mux.Handle("/healthz", loggingMiddleware(logger, restHandler(rest.handleHealth)))
	mux.Handle("/metrics", loggingMiddleware(logger, securityHeadersHandler(cacheControlNoCache, jsonErrorMiddleware(rest.handleMetrics))))
	mux.Handle("/api/status", loggingMiddleware(logger, restHandler(rest.handleStatus)))
	mux.Handle("/api/logs", loggingMiddleware(logger, restHandler(rest.handleLogs)))
}

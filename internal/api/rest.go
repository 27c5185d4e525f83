package api

import (
	"net/http"
	"time"

	"qios/internal/hub"
	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/version"
)

// RestHandler serves the read-only operational endpoints.
type RestHandler struct {
	Hub     *hub.Hub
	Metrics *metrics.Registry
	Logger  *logging.Logger
	Started time.Time
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Uptime      string `json:"uptime"`
	Version     string `json:"version"`
}

func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Hub == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "back office unavailable"}
	}
	response := healthResponse{
		Status:      "ok",
		Connections: h.Hub.ConnectionCount(),
		Version:     version.Version,
	}
	if !h.Started.IsZero() {
		response.Uptime = time.Since(h.Started).Truncate(time.Second).String()
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Hub == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "back office unavailable"}
	}
	writeJSON(w, http.StatusOK, h.Hub.Status())
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.Metrics.WritePrometheus(w); err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to write metrics"}
	}
	return nil
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"qios/internal/logging"
)

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

const (
	cacheControlNoStore = "no-store, must-revalidate"
	cacheControlNoCache = "no-cache"
)

func securityHeadersHandler(cacheControl string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		if cacheControl != "" {
			headers.Set("Cache-Control", cacheControl)
		}
		next(w, r)
	}
}

func jsonErrorMiddleware(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			writeJSONError(w, err)
		}
	}
}

// restHandler wraps a read-only JSON endpoint.
func restHandler(handler apiHandler) http.HandlerFunc {
	return securityHeadersHandler(cacheControlNoStore, jsonErrorMiddleware(handler))
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(status int) {
	recorder.status = status
	recorder.ResponseWriter.WriteHeader(status)
}

// loggingMiddleware logs each REST request at debug, or at warn when it
// failed server side. Not for the WebSocket route: the recorder hides
// http.Hijacker.
func loggingMiddleware(logger *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		if logger == nil {
			return
		}
		fields := map[string]string{
			"qios.category": "api",
			"http.route":    r.URL.Path,
			"method":        r.Method,
			"status":        strconv.Itoa(recorder.status),
			"duration":      time.Since(started).String(),
		}
		if recorder.status >= http.StatusInternalServerError {
			logger.Warn("api request failed", fields)
			return
		}
		logger.Debug("api request", fields)
	})
}

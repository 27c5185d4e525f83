package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"qios/internal/logging"
)

const (
	defaultLogLimit = 100
	maxLogLimit     = logging.DefaultBufferSize
)

// logQuery selects entries from the server log ring. Every set field must
// match.
type logQuery struct {
	Limit     int
	Level     logging.Level
	Component string
	Since     time.Time
}

func (query logQuery) matches(entry logging.LogEntry) bool {
	if query.Level != "" && !entry.Level.AtLeast(query.Level) {
		return false
	}
	if query.Component != "" && !strings.EqualFold(entry.Component(), query.Component) {
		return false
	}
	return query.Since.IsZero() || !entry.Timestamp.Before(query.Since)
}

// handleLogs serves GET /api/logs?limit=&level=&component=&since=.
func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Logger == nil || h.Logger.Buffer() == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "log buffer unavailable"}
	}
	query, err := parseLogQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, selectLogEntries(h.Logger.Buffer().List(), query))
	return nil
}

func parseLogQuery(r *http.Request) (logQuery, *apiError) {
	values := r.URL.Query()
	query := logQuery{
		Limit:     defaultLogLimit,
		Component: strings.TrimSpace(values.Get("component")),
	}

	if raw := strings.TrimSpace(values.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = min(limit, maxLogLimit)
	}
	if raw := strings.TrimSpace(values.Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = since
	}
	if raw := strings.TrimSpace(values.Get("level")); raw != "" {
		level, ok := logging.ParseLevel(raw)
		if !ok {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		query.Level = level
	}
	return query, nil
}

// selectLogEntries keeps the newest query.Limit matches, oldest first.
func selectLogEntries(entries []logging.LogEntry, query logQuery) []logging.LogEntry {
	selected := make([]logging.LogEntry, 0, min(len(entries), query.Limit))
	for i := len(entries) - 1; i >= 0 && len(selected) < query.Limit; i-- {
		if query.matches(entries[i]) {
			selected = append(selected, entries[i])
		}
	}
	slices.Reverse(selected)
	return selected
}

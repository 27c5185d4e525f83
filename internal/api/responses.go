package api

import (
	"encoding/json"
	"net/http"
)

// apiError is returned by REST handlers and rendered as errorResponse.
type apiError struct {
	Status  int
	Message string
	Code    string
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status"`
}

var errorCodes = map[int]string{
	http.StatusBadRequest:         "invalid_request",
	http.StatusForbidden:          "forbidden",
	http.StatusNotFound:           "not_found",
	http.StatusMethodNotAllowed:   "method_not_allowed",
	http.StatusTooManyRequests:    "rate_limited",
	http.StatusServiceUnavailable: "service_unavailable",
}

func errorCodeForStatus(status int) string {
	if code, ok := errorCodes[status]; ok {
		return code
	}
	if status >= http.StatusInternalServerError {
		return "internal_error"
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, err *apiError) {
	if err == nil {
		return
	}
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(status)
	}
	writeJSON(w, status, errorResponse{Error: err.Message, Code: code, Status: status})
}

func methodNotAllowed(w http.ResponseWriter, allow string) *apiError {
	w.Header().Set("Allow", allow)
	return &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"}
}

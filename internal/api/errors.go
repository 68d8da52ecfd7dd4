package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Codes carried in the "error.code" field of failed responses. Terminals
// treat 4xx codes as rejections and everything else as retryable.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnknownType      = "unknown_entity_type"
	ErrCodeInvalidRecord    = "invalid_record"
)

var codeStatus = map[string]int{
	ErrCodeBadRequest:       http.StatusBadRequest,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeUnknownType:      http.StatusNotFound,
	ErrCodeInvalidRecord:    http.StatusUnprocessableEntity,
}

// APIError is the body of a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope around APIError on the wire.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// statusFor maps an error code to its HTTP status; unlisted codes are 500.
func statusFor(code string) int {
	if s, ok := codeStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code, message string) {
	writeJSON(w, statusFor(code), ErrorResponse{Error: APIError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("encode response", "status", status, "err", err)
	}
}

// Package httpserver holds the ambient HTTP plumbing shared by the REST
// API and WebSocket upgrade: the JSON envelope, request middleware, and
// body validation, independent of inspector-specific route handlers.
package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error codes named by the external interface contract. Handlers should
// use these constants rather than inline strings.
const (
	CodeMissingToken       = "missing_token"
	CodeInvalidToken       = "invalid_token"
	CodeAdminRequired      = "admin_required"
	CodeRateLimited        = "rate_limited"
	CodeInvalidRecordType  = "invalid_record_type"
	CodeInvalidDomain      = "invalid_domain"
	CodeNotFound           = "not_found"
	CodeTokenError         = "token_error"
	CodeInitError          = "init_error"
	CodeBadRequest         = "bad_request"
	CodeQuotaExceeded      = "quota_exceeded"
	CodeInvalidShareToken  = "invalid_share_token"
	CodeValidationError    = "validation_error"
)

// ErrorResponse is the envelope every failed API call returns.
type ErrorResponse struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// Respond writes v as a JSON body with the given status code.
func Respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// RespondError writes the {error, code} envelope.
func RespondError(w http.ResponseWriter, status int, code, message string) {
	Respond(w, status, ErrorResponse{Error: message, Code: code})
}

// RespondRateLimited writes a 429 carrying retry_after seconds.
func RespondRateLimited(w http.ResponseWriter, retryAfter int) {
	Respond(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      "rate limit exceeded",
		Code:       CodeRateLimited,
		RetryAfter: retryAfter,
	})
}

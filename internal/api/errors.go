package api

import (
	"net/http"
)

// Standardised error codes.
const (
	ErrCodeInvalidParameter = "INVALID_PARAMETER"
	ErrCodeInternalError    = "INTERNAL_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
)

// APIError is the error envelope returned by all endpoints.
type APIError struct {
	Message   string `json:"message"`
	Code      string `json:"code"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// APIErrorResponse wraps APIError with a top-level "error" key.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// writeAPIError writes a standardized error response with request ID.
func writeAPIError(w http.ResponseWriter, r *http.Request, status int, message, code, details string) {
	respondJSON(w, status, APIErrorResponse{
		Error: APIError{
			Message:   message,
			Code:      code,
			Details:   details,
			RequestID: GetRequestID(r.Context()),
		},
	})
}

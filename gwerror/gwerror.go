// Package gwerror defines the error taxonomy of the gateway and the
// uniform JSON error body written to clients.
package gwerror

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// Code identifies an error kind across component boundaries. Codes are
// stable constants, safe to match on and to expose to clients.
type Code string

const (
	CodeRouteNotFound      Code = "ROUTE_NOT_FOUND"
	CodeMethodNotAllowed   Code = "METHOD_NOT_ALLOWED"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeAuthUnavailable    Code = "AUTH_SERVICE_UNAVAILABLE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeUpstreamTimeout    Code = "UPSTREAM_TIMEOUT"
	CodeUpstreamConnect    Code = "UPSTREAM_CONNECT_ERROR"
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeConflict           Code = "CONFLICT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeOverloaded         Code = "OVERLOADED"
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeSchemaMismatch     Code = "SCHEMA_MISMATCH"
	CodeStoreUnavailable   Code = "STORE_UNAVAILABLE"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
)

// Error is the internal error value carried between pipeline stages.
type Error struct {
	Code    Code
	Message string
	Status  int
	Details map[string]any
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates an Error with an explicit HTTP status.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

// WithDetails attaches structured details for the client body.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

type body struct {
	Error bodyError `json:"error"`
}

type bodyError struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON writes the uniform error envelope. Headers set on w before
// the call are preserved.
func WriteJSON(w http.ResponseWriter, requestID string, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	if err := json.NewEncoder(w).Encode(body{Error: bodyError{
		Code:      e.Code,
		Message:   e.Message,
		RequestID: requestID,
		Details:   e.Details,
	}}); err != nil {
		log.Errorf("failed to write error body: %v", err)
	}
}

// Internal wraps an unexpected error into an opaque 500. The cause is
// logged, never sent to the client.
func Internal(err error) *Error {
	log.WithField("cause", err).Error("internal gateway error")
	return New(CodeInternal, http.StatusInternalServerError, "internal gateway error")
}

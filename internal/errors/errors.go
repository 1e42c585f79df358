// Package errors defines the broker's error taxonomy and its HTTP
// representations. Admission failures and session-layer conflicts are
// sentinel errors; handlers convert them to RFC 7807 problem responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Admission-control failures, surfaced to the caller and never retried by
// the broker itself.
var (
	ErrLicenseInvalid  = errors.New("license invalid")
	ErrLicenseExpired  = errors.New("license expired")
	ErrLicenseNotFound = errors.New("license not found")
	ErrLicenseRevoked  = errors.New("license revoked")
	ErrQuotaExceeded   = errors.New("license session quota exceeded")
)

// Session and connection layer failures.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionClosed        = errors.New("session closed")
	ErrRoleAlreadyConnected = errors.New("role already connected")
	ErrPeerUnavailable      = errors.New("peer unavailable")
	ErrInvalidRole          = errors.New("invalid role")
)

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render.
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates a new APIError.
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details.
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrValidation creates a validation error with field details.
func ErrValidation(field, message string) *APIError {
	return NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed", ValidationError{
		Field:   field,
		Message: message,
	})
}

// InvalidRequestWithError creates an invalid request error with details.
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format", err.Error())
}

// NotFoundError creates a not found error for a named resource.
func NotFoundError(resource string) *APIError {
	return NewWithDetails(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", resource), resource)
}

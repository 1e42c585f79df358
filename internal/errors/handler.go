package errors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"rhinobridge/internal/infrastructure"
)

// ErrorHandler provides centralized error-to-problem conversion.
type ErrorHandler struct {
	logger *slog.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *slog.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.With(slog.String("component", "error_handler")),
	}
}

// HandleError converts any error to RFC 7807 format and responds.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	traceID := infrastructure.GetTraceID(r.Context())

	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("error", err.Error()),
		slog.String("trace_id", traceID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	problem := ErrorToProblem(err, r.URL.Path)
	problem.WithExtension("trace_id", traceID)
	if renderErr := problem.Render(w, r); renderErr != nil {
		h.logger.ErrorContext(r.Context(), "failed to write problem response",
			slog.String("error", renderErr.Error()))
	}
}

// ErrorToProblem maps domain sentinel errors to RFC 7807 Problem Details.
func ErrorToProblem(err error, instance string) *ProblemDetails {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(http.StatusGatewayTimeout, TypeTimeout,
			"Request Timeout", "The request took too long to process and was cancelled", instance)

	case errors.Is(err, ErrLicenseNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeLicenseNotFound,
			"License Not Found", err.Error(), instance)

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(http.StatusForbidden, TypeLicenseExpired,
			"License Expired", "The license has expired and can no longer open sessions", instance)

	case errors.Is(err, ErrLicenseInvalid), errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(http.StatusForbidden, TypeLicenseInvalid,
			"License Invalid", err.Error(), instance)

	case errors.Is(err, ErrQuotaExceeded):
		return NewProblemDetails(http.StatusConflict, TypeQuotaExceeded,
			"Session Quota Exceeded", "The license has reached its maximum number of concurrent sessions", instance)

	case errors.Is(err, ErrSessionNotFound):
		return NewProblemDetails(http.StatusNotFound, TypeSessionNotFound,
			"Session Not Found", err.Error(), instance)

	case errors.Is(err, ErrSessionClosed):
		return NewProblemDetails(http.StatusGone, TypeSessionClosed,
			"Session Closed", "The session is closed and accepts no further attachments", instance)

	case errors.Is(err, ErrRoleAlreadyConnected):
		return NewProblemDetails(http.StatusConflict, TypeRoleConflict,
			"Role Already Connected", "A live connection already occupies this role; close it before retrying", instance)

	case errors.Is(err, ErrPeerUnavailable):
		return NewProblemDetails(http.StatusServiceUnavailable, TypePeerUnavailable,
			"Peer Unavailable", "The target role is not attached to the session", instance)

	case errors.Is(err, ErrInvalidRole):
		return NewProblemDetails(http.StatusBadRequest, TypeValidation,
			"Invalid Role", err.Error(), instance)
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return NewProblemDetails(apiErr.StatusCode, TypeValidation,
			http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("error_code", apiErr.ErrorCode)
	}

	return NewProblemDetails(http.StatusInternalServerError, TypeInternal,
		"Internal Server Error", "An unexpected error occurred while processing the request", instance)
}

package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorToProblemMapsDomainSentinels(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"license not found", ErrLicenseNotFound, http.StatusNotFound, TypeLicenseNotFound},
		{"license expired", ErrLicenseExpired, http.StatusForbidden, TypeLicenseExpired},
		{"license invalid", ErrLicenseInvalid, http.StatusForbidden, TypeLicenseInvalid},
		{"license revoked", ErrLicenseRevoked, http.StatusForbidden, TypeLicenseInvalid},
		{"quota exceeded", ErrQuotaExceeded, http.StatusConflict, TypeQuotaExceeded},
		{"session not found", ErrSessionNotFound, http.StatusNotFound, TypeSessionNotFound},
		{"session closed", ErrSessionClosed, http.StatusGone, TypeSessionClosed},
		{"role conflict", ErrRoleAlreadyConnected, http.StatusConflict, TypeRoleConflict},
		{"peer unavailable", ErrPeerUnavailable, http.StatusServiceUnavailable, TypePeerUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout, TypeTimeout},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem := ErrorToProblem(tt.err, "/sessions/create")
			assert.Equal(t, tt.wantStatus, problem.Status)
			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, "/sessions/create", problem.Instance)
		})
	}
}

func TestErrorToProblemUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("create session: %w", ErrQuotaExceeded)
	problem := ErrorToProblem(wrapped, "/sessions/create")

	assert.Equal(t, http.StatusConflict, problem.Status)
	assert.Equal(t, TypeQuotaExceeded, problem.Type)
}

func TestProblemDetailsMarshalIncludesExtensions(t *testing.T) {
	problem := NewProblemDetails(http.StatusConflict, TypeRoleConflict,
		"Role Already Connected", "host role is occupied", "/ws/abc").
		WithExtension("trace_id", "t-123").
		WithExtension("role", "host")

	data, err := json.Marshal(problem)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "/errors/session/role-already-connected", got["type"])
	assert.Equal(t, float64(http.StatusConflict), got["status"])
	assert.Equal(t, "t-123", got["trace_id"])
	assert.Equal(t, "host", got["role"])
}

func TestAPIErrorImplementsError(t *testing.T) {
	apiErr := New(http.StatusBadRequest, "INVALID_REQUEST", "bad payload")
	assert.EqualError(t, apiErr, "bad payload")

	problem := ErrorToProblem(apiErr, "/license/generate")
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, "INVALID_REQUEST", problem.Extensions["error_code"])
}

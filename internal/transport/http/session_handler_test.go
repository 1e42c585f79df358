package http

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issueTestLicense(t *testing.T, env *testEnv, maxSessions int) string {
	t.Helper()
	issued, err := env.registry.Issue(context.Background(), "studio@example.com", "pro", 30, maxSessions)
	require.NoError(t, err)
	return issued.ID
}

func TestCreateSession(t *testing.T) {
	env := newTestEnv(t)
	licID := issueTestLicense(t, env, 3)

	rec := env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id":       "user-1",
		"license_id":    licID,
		"file_path":     "C:/models/tower.3dm",
		"document_guid": "doc-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		SessionID     string `json:"session_id"`
		Status        string `json:"status"`
		WebSocketURL  string `json:"websocket_url"`
		WebSocketPort int    `json:"websocket_port"`
		Created       bool   `json:"created"`
	}
	decodeBody(t, rec, &created)

	assert.NotEmpty(t, created.SessionID)
	assert.Equal(t, "created", created.Status)
	assert.Contains(t, created.WebSocketURL, "/ws/"+created.SessionID)
	assert.Equal(t, 8080, created.WebSocketPort)
	assert.True(t, created.Created)

	// Same (user, file) returns the existing session with 200.
	rec = env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id":    "user-1",
		"license_id": licID,
		"file_path":  "C:/models/tower.3dm",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var again struct {
		SessionID string `json:"session_id"`
		Created   bool   `json:"created"`
	}
	decodeBody(t, rec, &again)
	assert.Equal(t, created.SessionID, again.SessionID)
	assert.False(t, again.Created)
}

func TestCreateSessionConnectAlias(t *testing.T) {
	env := newTestEnv(t)
	licID := issueTestLicense(t, env, 3)

	rec := env.do(t, http.MethodPost, "/sessions/connect", map[string]any{
		"user_id":    "user-1",
		"license_id": licID,
		"file_path":  "tower.3dm",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestSessionResponseAlwaysCarriesDocumentGUID(t *testing.T) {
	env := newTestEnv(t)
	licID := issueTestLicense(t, env, 3)

	rec := env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id": "user-1", "license_id": licID, "file_path": "a.3dm",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	// Clients index document_guid unconditionally; the key is present even
	// before the plugin reports one.
	var raw map[string]any
	decodeBody(t, rec, &raw)
	guid, ok := raw["document_guid"]
	require.True(t, ok)
	assert.Equal(t, "", guid)
}

func TestCreateSessionValidation(t *testing.T) {
	env := newTestEnv(t)
	licID := issueTestLicense(t, env, 3)

	tests := []struct {
		name     string
		body     map[string]any
		wantCode int
	}{
		{
			name:     "missing user_id",
			body:     map[string]any{"license_id": licID, "file_path": "a.3dm"},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "missing file_path",
			body:     map[string]any{"user_id": "user-1", "license_id": licID},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "unknown license",
			body:     map[string]any{"user_id": "user-1", "license_id": "nope", "file_path": "a.3dm"},
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/sessions/create", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestCreateSessionQuota(t *testing.T) {
	env := newTestEnv(t)
	licID := issueTestLicense(t, env, 1)

	rec := env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id": "user-1", "license_id": licID, "file_path": "a.3dm",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id": "user-1", "license_id": licID, "file_path": "b.3dm",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/problem+json")
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	licID := issueTestLicense(t, env, 5)

	_, _, err := env.store.Create(ctx, "user-1", licID, "a.3dm", "")
	require.NoError(t, err)
	_, _, err = env.store.Create(ctx, "user-1", licID, "b.3dm", "")
	require.NoError(t, err)
	_, _, err = env.store.Create(ctx, "user-2", licID, "c.3dm", "")
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/sessions/user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		UserID        string `json:"user_id"`
		ValidSessions []struct {
			FilePath     string `json:"file_path"`
			WebSocketURL string `json:"websocket_url"`
		} `json:"valid_sessions"`
	}
	decodeBody(t, rec, &resp)

	assert.Equal(t, "user-1", resp.UserID)
	require.Len(t, resp.ValidSessions, 2)
	for _, s := range resp.ValidSessions {
		assert.NotEmpty(t, s.WebSocketURL)
	}

	// Unknown user gets an empty list, not an error.
	rec = env.do(t, http.MethodGet, "/sessions/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &resp)
	assert.Empty(t, resp.ValidSessions)
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	licID := issueTestLicense(t, env, 1)

	sess, _, err := env.store.Create(ctx, "user-1", licID, "a.3dm", "")
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The quota slot is free again.
	rec = env.do(t, http.MethodPost, "/sessions/create", map[string]any{
		"user_id": "user-1", "license_id": licID, "file_path": "b.3dm",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	// Closing twice is fine.
	rec = env.do(t, http.MethodDelete, "/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/sessions/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health struct {
		Status string `json:"status"`
	}
	decodeBody(t, rec, &health)
	assert.Equal(t, "ok", health.Status)

	rec = env.do(t, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

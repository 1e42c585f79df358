package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhinobridge/internal/protocol"
	"rhinobridge/internal/session"
)

func wsURL(server *httptest.Server, sessionID, role string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + sessionID + "?role=" + role
}

func dialPeer(t *testing.T, server *httptest.Server, sessionID, role string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, sessionID, role), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(frame)
	require.NoError(t, err)
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	frame, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func TestWebSocketRelayEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	licID := issueTestLicense(t, env, 3)
	sess, _, err := env.store.Create(context.Background(), "user-1", licID, "tower.3dm", "")
	require.NoError(t, err)

	host := dialPeer(t, server, sess.ID, "host")
	plugin := dialPeer(t, server, sess.ID, "plugin")

	// Each side announces itself and receives the counterpart's handshake.
	writeEnvelope(t, host, &protocol.Envelope{
		Type:       protocol.TypeHandshake,
		InstanceID: "host-1",
		FilePath:   "tower.3dm",
	})
	writeEnvelope(t, plugin, &protocol.Envelope{
		Type:         protocol.TypeHandshake,
		InstanceID:   "rhino-1",
		FilePath:     "tower.3dm",
		DocumentGUID: "doc-9",
	})
	hs := readEnvelope(t, host)
	assert.Equal(t, protocol.TypeHandshake, hs.Type)
	assert.Equal(t, "rhino-1", hs.InstanceID)
	assert.Equal(t, protocol.TypeHandshake, readEnvelope(t, plugin).Type)

	// The plugin's handshake activated the session and pinned the guid.
	require.Eventually(t, func() bool {
		got, err := env.store.Get(context.Background(), sess.ID)
		return err == nil && got.Status == session.StatusActive && got.DocumentGUID == "doc-9"
	}, 2*time.Second, 10*time.Millisecond)

	// Command round trip with an opaque payload.
	writeEnvelope(t, host, &protocol.Envelope{
		Type:      "create_cube",
		RequestID: "req-1",
		Params:    json.RawMessage(`{"size":3}`),
	})

	cmd := readEnvelope(t, plugin)
	assert.Equal(t, "create_cube", cmd.Type)
	assert.JSONEq(t, `{"size":3}`, string(cmd.Params))

	writeEnvelope(t, plugin, &protocol.Envelope{
		Type:      protocol.TypeResponse,
		RequestID: "req-1",
		Status:    protocol.StatusSuccess,
		Result:    json.RawMessage(`{"object_id":"cube-9"}`),
	})

	resp := readEnvelope(t, host)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"object_id":"cube-9"}`, string(resp.Result))
}

func TestWebSocketInvalidRole(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	licID := issueTestLicense(t, env, 3)
	sess, _, err := env.store.Create(context.Background(), "user-1", licID, "tower.3dm", "")
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server, sess.ID, "observer"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketUnknownSessionClosedWithReason(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(server, "no-such-session", "host"), nil)
	require.NoError(t, err, "upgrade succeeds; rejection arrives as a close frame")
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	reject := readEnvelope(t, conn)
	assert.Equal(t, protocol.TypeError, reject.Type)
	assert.Equal(t, protocol.CodeUnknownSession, reject.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestWebSocketRoleConflict(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	licID := issueTestLicense(t, env, 3)
	sess, _, err := env.store.Create(context.Background(), "user-1", licID, "tower.3dm", "")
	require.NoError(t, err)

	dialPeer(t, server, sess.ID, "host")

	second, resp, err := websocket.DefaultDialer.Dial(wsURL(server, sess.ID, "host"), nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer second.Close()

	reject := readEnvelope(t, second)
	assert.Equal(t, protocol.TypeError, reject.Type)

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = second.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

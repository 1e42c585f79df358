package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.validate())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 45*time.Second, cfg.Broker.HandshakeTimeout)
	assert.Equal(t, 3, cfg.License.DefaultMaxSessions)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero handshake timeout", func(c *Config) { c.Broker.HandshakeTimeout = 0 }},
		{"zero sweep interval", func(c *Config) { c.Broker.SweepInterval = 0 }},
		{"zero max sessions", func(c *Config) { c.License.DefaultMaxSessions = 0 }},
		{"empty sqlite path", func(c *Config) { c.Storage.SQLitePath = "" }},
		{"zero pong wait", func(c *Config) { c.WebSocket.PongWait = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.validate())
		})
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("RHINO_SERVER_PORT", "9191")
	t.Setenv("RHINO_BROKER_HANDSHAKE_TIMEOUT", "10s")
	t.Setenv("RHINO_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "test.db"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Broker.HandshakeTimeout)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9999
  public_host: broker.example.com
broker:
  handshake_timeout: 20s
  idle_session_ttl: 1h
  sweep_interval: 5s
license:
  default_max_sessions: 7
storage:
  sqlite_path: /tmp/broker-test.db
websocket:
  pong_wait: 30s
  write_wait: 5s
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("RHINO_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "broker.example.com", cfg.Server.PublicHost)
	assert.Equal(t, 20*time.Second, cfg.Broker.HandshakeTimeout)
	assert.Equal(t, 7, cfg.License.DefaultMaxSessions)
	assert.Equal(t, "/tmp/broker-test.db", cfg.Storage.SQLitePath)
}

func TestWebSocketURL(t *testing.T) {
	cfg := Default()
	cfg.Server.PublicHost = "10.0.0.5"
	cfg.Server.Port = 8080

	assert.Equal(t, "ws://10.0.0.5:8080/ws/sess-1", cfg.WebSocketURL("sess-1"))
}

func TestPingPeriodShorterThanPongWait(t *testing.T) {
	cfg := Default()
	assert.Less(t, cfg.WebSocket.PingPeriod(), cfg.WebSocket.PongWait)
}

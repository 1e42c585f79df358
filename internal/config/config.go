// Package config loads the broker configuration from environment variables
// (RHINO_ prefix) layered over an optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Broker    BrokerConfig    `yaml:"broker" envconfig:"BROKER"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	PublicHost      string        `yaml:"public_host" envconfig:"PUBLIC_HOST"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// UnmarshalYAML parses duration fields from Go duration strings, which
// yaml.v2 cannot do on its own. Fields absent from the document keep their
// current values.
func (s *ServerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		Port            *int    `yaml:"port"`
		PublicHost      *string `yaml:"public_host"`
		ReadTimeout     string  `yaml:"read_timeout"`
		WriteTimeout    string  `yaml:"write_timeout"`
		IdleTimeout     string  `yaml:"idle_timeout"`
		ShutdownTimeout string  `yaml:"shutdown_timeout"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.Port != nil {
		s.Port = *raw.Port
	}
	if raw.PublicHost != nil {
		s.PublicHost = *raw.PublicHost
	}
	if err := setDuration(&s.ReadTimeout, raw.ReadTimeout); err != nil {
		return err
	}
	if err := setDuration(&s.WriteTimeout, raw.WriteTimeout); err != nil {
		return err
	}
	if err := setDuration(&s.IdleTimeout, raw.IdleTimeout); err != nil {
		return err
	}
	return setDuration(&s.ShutdownTimeout, raw.ShutdownTimeout)
}

// BrokerConfig tunes session pairing and sweep behavior.
type BrokerConfig struct {
	// HandshakeTimeout bounds how long a session may sit in awaiting_peers
	// before the sweeper moves it back to disconnected.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" envconfig:"HANDSHAKE_TIMEOUT"`
	// IdleSessionTTL is how long a fully detached disconnected session
	// survives before the sweeper closes it.
	IdleSessionTTL time.Duration `yaml:"idle_session_ttl" envconfig:"IDLE_SESSION_TTL"`
	SweepInterval  time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
}

// UnmarshalYAML parses the broker durations from Go duration strings.
func (b *BrokerConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		HandshakeTimeout string `yaml:"handshake_timeout"`
		IdleSessionTTL   string `yaml:"idle_session_ttl"`
		SweepInterval    string `yaml:"sweep_interval"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if err := setDuration(&b.HandshakeTimeout, raw.HandshakeTimeout); err != nil {
		return err
	}
	if err := setDuration(&b.IdleSessionTTL, raw.IdleSessionTTL); err != nil {
		return err
	}
	return setDuration(&b.SweepInterval, raw.SweepInterval)
}

// LicenseConfig contains license issuance defaults.
type LicenseConfig struct {
	KeyPrefix           string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
	DefaultValidityDays int    `yaml:"default_validity_days" envconfig:"DEFAULT_VALIDITY_DAYS"`
	DefaultMaxSessions  int    `yaml:"default_max_sessions" envconfig:"DEFAULT_MAX_SESSIONS"`
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`
}

// SecurityConfig contains security-related configuration.
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// WebSocketConfig contains peer channel transport configuration.
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	MaxMessageSize  int64         `yaml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	WriteWait       time.Duration `yaml:"write_wait" envconfig:"WRITE_WAIT"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
}

// UnmarshalYAML parses the transport durations from Go duration strings.
func (w *WebSocketConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw struct {
		ReadBufferSize  *int   `yaml:"read_buffer_size"`
		WriteBufferSize *int   `yaml:"write_buffer_size"`
		MaxMessageSize  *int64 `yaml:"max_message_size"`
		PongWait        string `yaml:"pong_wait"`
		WriteWait       string `yaml:"write_wait"`
		SendBuffer      *int   `yaml:"send_buffer"`
	}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	if raw.ReadBufferSize != nil {
		w.ReadBufferSize = *raw.ReadBufferSize
	}
	if raw.WriteBufferSize != nil {
		w.WriteBufferSize = *raw.WriteBufferSize
	}
	if raw.MaxMessageSize != nil {
		w.MaxMessageSize = *raw.MaxMessageSize
	}
	if raw.SendBuffer != nil {
		w.SendBuffer = *raw.SendBuffer
	}
	if err := setDuration(&w.PongWait, raw.PongWait); err != nil {
		return err
	}
	return setDuration(&w.WriteWait, raw.WriteWait)
}

// setDuration parses s into dst when non-empty.
func setDuration(dst *time.Duration, s string) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*dst = d
	return nil
}

// PingPeriod derives the ping interval from the pong wait. Must be shorter
// than PongWait or the peer times out between pings.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return w.PongWait * 9 / 10
}

// Load layers configuration: built-in defaults, then an optional YAML file,
// then environment variables. Environment variables win.
func Load() (*Config, error) {
	cfg := Default()

	if configFile := getConfigFilePath(); configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("RHINO", cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg. Absent keys keep their
// current values.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Broker.HandshakeTimeout <= 0 {
		return fmt.Errorf("broker handshake timeout must be positive")
	}

	if c.Broker.SweepInterval <= 0 {
		return fmt.Errorf("broker sweep interval must be positive")
	}

	if c.License.DefaultMaxSessions <= 0 {
		return fmt.Errorf("license default max sessions must be positive")
	}

	if c.Storage.SQLitePath == "" {
		return fmt.Errorf("storage sqlite path must be set")
	}

	if c.WebSocket.PongWait <= 0 || c.WebSocket.WriteWait <= 0 {
		return fmt.Errorf("websocket deadlines must be positive")
	}

	return nil
}

// WebSocketURL builds the channel endpoint peers dial to join a session.
func (c *Config) WebSocketURL(sessionID string) string {
	return fmt.Sprintf("ws://%s:%d/ws/%s", c.Server.PublicHost, c.Server.Port, sessionID)
}

// getConfigFilePath returns the path to the config file, if any.
func getConfigFilePath() string {
	if p := os.Getenv("RHINO_CONFIG"); p != "" {
		return p
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration, used by tests and as documentation
// of the zero-environment behavior.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			PublicHost:      "127.0.0.1",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Broker: BrokerConfig{
			HandshakeTimeout: 45 * time.Second,
			IdleSessionTTL:   24 * time.Hour,
			SweepInterval:    30 * time.Second,
		},
		License: LicenseConfig{
			KeyPrefix:           "RHB",
			DefaultValidityDays: 90,
			DefaultMaxSessions:  3,
		},
		Storage: StorageConfig{
			SQLitePath: "data/rhinobridge.db",
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     100,
				Burst:   50,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "stdout",
			FilePath: "logs/rhinobridge.log",
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageSize:  1 << 20,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
			SendBuffer:      256,
		},
	}
}

// Package config provides configuration helpers that define runtime defaults,
// validation, and YAML loading for the real-time event server.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backpressure policies applied when a session's outbound queue is full.
const (
	BackpressureDropOldest = "drop_oldest"
	BackpressureClose      = "close"
)

// Log output formats.
const (
	LogFormatConsole = "console"
	LogFormatJSON    = "json"
)

// Config holds the server configuration settings.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Rooms     RoomsConfig     `yaml:"rooms"`
	Events    EventsConfig    `yaml:"events"`
	Relay     RelayConfig     `yaml:"relay"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig controls the listener, the upgrade endpoint and admission.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Path              string        `yaml:"path"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	EnableCompression bool          `yaml:"enable_compression"`
	// MaxConnections caps live sessions. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
	// MaxMemoryPercent rejects upgrades while host memory usage is above the
	// threshold. Zero disables the check.
	MaxMemoryPercent float64 `yaml:"max_memory_percent"`
}

// SessionConfig defines per-connection queueing and keepalive behaviour.
type SessionConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	Backpressure   string        `yaml:"backpressure"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `yaml:"burst"`
	RefillInterval time.Duration `yaml:"refill_interval"`
}

// RoomsConfig controls room broadcast semantics.
type RoomsConfig struct {
	// IncludeSelf delivers a sender's chat events back to the sender.
	IncludeSelf bool `yaml:"include_self"`
}

// EventsConfig toggles the built-in join/leave/chat/set_level handlers.
type EventsConfig struct {
	Builtins bool `yaml:"builtins"`
}

// RelayConfig toggles verbatim re-broadcast of binary frames.
type RelayConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ProtocolConfig bounds inbound event frames.
type ProtocolConfig struct {
	MaxEventName int `yaml:"max_event_name"`
	MaxArgs      int `yaml:"max_args"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1234,
			Path: "/ws",
			AllowedOrigins: []string{
				"http://localhost:1234",
			},
			ReadTimeout:      15 * time.Second,
			WriteTimeout:     15 * time.Second,
			IdleTimeout:      60 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			QueueSize:      256,
			Backpressure:   BackpressureDropOldest,
			DrainTimeout:   5 * time.Second,
			PingInterval:   54 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Events: EventsConfig{
			Builtins: true,
		},
		Relay: RelayConfig{
			Enabled: true,
		},
		Protocol: ProtocolConfig{
			MaxEventName: 64,
			MaxArgs:      32,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogFormatConsole,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "awlog",
		},
	}
}

// Load reads a YAML file on top of the defaults, then sanitizes and validates
// the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Sanitize replaces zero or negative values with their defaults.
func (c *Config) Sanitize() {
	def := Default()

	if c.Server.Host == "" {
		c.Server.Host = def.Server.Host
	}
	if c.Server.Port <= 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.Path == "" {
		c.Server.Path = def.Server.Path
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		c.Server.Path = "/" + c.Server.Path
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = def.Server.ReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = def.Server.WriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = def.Server.IdleTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Server.HandshakeTimeout <= 0 {
		c.Server.HandshakeTimeout = def.Server.HandshakeTimeout
	}
	if c.Server.MaxConnections < 0 {
		c.Server.MaxConnections = 0
	}
	if c.Server.MaxMemoryPercent < 0 || c.Server.MaxMemoryPercent > 100 {
		c.Server.MaxMemoryPercent = 0
	}

	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = def.Session.QueueSize
	}
	if c.Session.Backpressure == "" {
		c.Session.Backpressure = def.Session.Backpressure
	}
	c.Session.Backpressure = strings.ToLower(strings.TrimSpace(c.Session.Backpressure))
	if c.Session.DrainTimeout <= 0 {
		c.Session.DrainTimeout = def.Session.DrainTimeout
	}
	if c.Session.PongWait <= 0 {
		c.Session.PongWait = def.Session.PongWait
	}
	if c.Session.PingInterval <= 0 || c.Session.PingInterval >= c.Session.PongWait {
		c.Session.PingInterval = c.Session.PongWait * 9 / 10
	}
	if c.Session.WriteWait <= 0 {
		c.Session.WriteWait = def.Session.WriteWait
	}
	if c.Session.MaxMessageSize <= 0 {
		c.Session.MaxMessageSize = def.Session.MaxMessageSize
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if c.Protocol.MaxEventName <= 0 {
		c.Protocol.MaxEventName = def.Protocol.MaxEventName
	}
	if c.Protocol.MaxArgs <= 0 {
		c.Protocol.MaxArgs = def.Protocol.MaxArgs
	}

	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
}

// Validate reports settings that cannot be repaired by Sanitize.
func (c Config) Validate() error {
	switch c.Session.Backpressure {
	case BackpressureDropOldest, BackpressureClose:
	default:
		return fmt.Errorf("session.backpressure: unknown policy %q", c.Session.Backpressure)
	}

	switch c.Log.Format {
	case LogFormatConsole, LogFormatJSON:
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path == c.Server.Path {
		return fmt.Errorf("metrics.path %q collides with server.path", c.Metrics.Path)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

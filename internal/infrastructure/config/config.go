package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for VoltGrid Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	SSE       SSEConfig       `yaml:"sse"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Duration wraps time.Duration so YAML values like "30m" or "500ms" decode
// directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
// The broker link reconnects on a fixed period; messages published while
// disconnected are lost to this process (non-durable subscriber).
type MQTTReconnectConfig struct {
	Period int `yaml:"period"` // seconds
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket transport settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"` // seconds
	PongTimeout    int `yaml:"pong_timeout"`  // seconds
	SendBuffer     int `yaml:"send_buffer"`
}

// SSEConfig contains server-push event stream settings.
type SSEConfig struct {
	SendBuffer int `yaml:"send_buffer"`
}

// DiscoveryConfig contains pending-meter discovery and reaper settings.
type DiscoveryConfig struct {
	// PendingTimeout is how long a pending meter may go unseen before the
	// stale-pending reaper removes it.
	PendingTimeout Duration `yaml:"pending_timeout"`

	// ReaperInterval is how often the stale-pending sweep runs.
	ReaperInterval Duration `yaml:"reaper_interval"`

	// HeartbeatInterval is how often the broadcast hub emits heartbeat events.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// RetryConfig contains the shared retry policy settings.
//
// The same policy shape governs server-side database write retries and the
// documented subscriber reconnection contract.
type RetryConfig struct {
	Base           Duration `yaml:"base"`
	Cap            Duration `yaml:"cap"`
	MaxAttempts    int      `yaml:"max_attempts"`
	MinInterval    Duration `yaml:"min_interval"`
	JitterFraction float64  `yaml:"jitter_fraction"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VOLTGRID_SECTION_KEY
// For example: VOLTGRID_DATABASE_PATH, VOLTGRID_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
// Exported so tests and early-startup code can build a valid config without a file.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "VoltGrid",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/voltgrid.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "voltgrid-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				Period: 5,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			SendBuffer:     256,
		},
		SSE: SSEConfig{
			SendBuffer: 256,
		},
		Discovery: DiscoveryConfig{
			PendingTimeout:    Duration(30 * time.Minute),
			ReaperInterval:    Duration(5 * time.Minute),
			HeartbeatInterval: Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			Base:           Duration(500 * time.Millisecond),
			Cap:            Duration(30 * time.Second),
			MaxAttempts:    5,
			MinInterval:    Duration(250 * time.Millisecond),
			JitterFraction: 0.10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VOLTGRID_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("VOLTGRID_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VOLTGRID_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VOLTGRID_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("VOLTGRID_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("VOLTGRID_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VOLTGRID_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VOLTGRID_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("VOLTGRID_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// Logging
	if v := os.Getenv("VOLTGRID_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout must be >= 0")
	}

	if c.MQTT.Broker.Host == "" {
		return fmt.Errorf("mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		return fmt.Errorf("mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.Broker.ClientID == "" {
		return fmt.Errorf("mqtt.broker.client_id is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Reconnect.Period < 1 {
		return fmt.Errorf("mqtt.reconnect.period must be >= 1 second")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535")
	}

	if c.Discovery.PendingTimeout <= 0 {
		return fmt.Errorf("discovery.pending_timeout must be positive")
	}
	if c.Discovery.ReaperInterval <= 0 {
		return fmt.Errorf("discovery.reaper_interval must be positive")
	}
	if c.Discovery.HeartbeatInterval <= 0 {
		return fmt.Errorf("discovery.heartbeat_interval must be positive")
	}

	if c.Retry.Base <= 0 {
		return fmt.Errorf("retry.base must be positive")
	}
	if c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("retry.cap must be >= retry.base")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.MinInterval < 0 {
		return fmt.Errorf("retry.min_interval must be >= 0")
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be between 0 and 1")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not recognised", c.Logging.Level)
	}

	return nil
}

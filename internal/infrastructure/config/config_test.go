package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "broker.example"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
discovery:
  pending_timeout: 10m
  reaper_interval: 1m
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.MQTT.Broker.Host != "broker.example" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.example")
	}
	if cfg.Discovery.PendingTimeout.Std() != 10*time.Minute {
		t.Errorf("Discovery.PendingTimeout = %v, want 10m", cfg.Discovery.PendingTimeout)
	}
	if cfg.Discovery.ReaperInterval.Std() != time.Minute {
		t.Errorf("Discovery.ReaperInterval = %v, want 1m", cfg.Discovery.ReaperInterval)
	}
	// Defaults survive for sections the file omits.
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want default 5", cfg.Retry.MaxAttempts)
	}
	if cfg.WebSocket.SendBuffer != 256 {
		t.Errorf("WebSocket.SendBuffer = %d, want default 256", cfg.WebSocket.SendBuffer)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
mqtt:
  broker:
    host: "file-host"
    port: 1883
    client_id: "file-client"
`
	t.Setenv("VOLTGRID_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("VOLTGRID_MQTT_HOST", "env-host")
	t.Setenv("VOLTGRID_MQTT_PORT", "8883")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.MQTT.Broker.Host != "env-host" {
		t.Errorf("MQTT.Broker.Host = %q, want env override", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, true},
		{"invalid mqtt port", func(c *Config) { c.MQTT.Broker.Port = 0 }, true},
		{"empty client id", func(c *Config) { c.MQTT.Broker.ClientID = "" }, true},
		{"qos out of range", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"reconnect period zero", func(c *Config) { c.MQTT.Reconnect.Period = 0 }, true},
		{"api port out of range", func(c *Config) { c.API.Port = 70000 }, true},
		{"zero pending timeout", func(c *Config) { c.Discovery.PendingTimeout = 0 }, true},
		{"zero reaper interval", func(c *Config) { c.Discovery.ReaperInterval = 0 }, true},
		{"retry cap below base", func(c *Config) { c.Retry.Cap = c.Retry.Base / 2 }, true},
		{"retry zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, true},
		{"jitter above one", func(c *Config) { c.Retry.JitterFraction = 1.5 }, true},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "norte"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1884
    client_id: "test-client"
  reconnect:
    initial_delay: 0.5
    max_delay: 8
    multiplier: 1.8
access:
  notify_site: "norte"
  notify_device: "torniquete"
commands:
  default_timeout: 2.5
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "norte" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "norte")
	}
	if cfg.MQTT.Broker.Host != "broker.local" || cfg.MQTT.Broker.Port != 1884 {
		t.Errorf("MQTT.Broker = %+v, want broker.local:1884", cfg.MQTT.Broker)
	}
	if cfg.MQTT.Reconnect.Multiplier != 1.8 {
		t.Errorf("Reconnect.Multiplier = %v, want 1.8", cfg.MQTT.Reconnect.Multiplier)
	}
	if cfg.Access.NotifyDevice != "torniquete" {
		t.Errorf("Access.NotifyDevice = %q, want %q", cfg.Access.NotifyDevice, "torniquete")
	}
	// Unset keys keep their defaults.
	if cfg.Access.NotifyWorkers != 2 {
		t.Errorf("Access.NotifyWorkers = %d, want default 2", cfg.Access.NotifyWorkers)
	}
	if got := Seconds(cfg.Commands.DefaultTimeout); got != 2500*time.Millisecond {
		t.Errorf("Seconds(DefaultTimeout) = %v, want 2.5s", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error for empty site.id, got nil")
	}
	if !strings.Contains(err.Error(), "site.id") {
		t.Errorf("Load() error = %v, want mention of site.id", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "valid config", mutate: func(_ *Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, want: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, want: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, want: "mqtt.qos"},
		{name: "zero initial delay", mutate: func(c *Config) { c.MQTT.Reconnect.InitialDelay = 0 }, want: "initial_delay"},
		{name: "max delay below initial", mutate: func(c *Config) { c.MQTT.Reconnect.MaxDelay = 0.5 }, want: "max_delay"},
		{name: "shrinking multiplier", mutate: func(c *Config) { c.MQTT.Reconnect.Multiplier = 0.5 }, want: "multiplier"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, want: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, want: "api.port"},
		{name: "max timeout above 60", mutate: func(c *Config) { c.Commands.MaxTimeout = 61 }, want: "max_timeout"},
		{name: "default timeout above max", mutate: func(c *Config) { c.Commands.DefaultTimeout = 61 }, want: "default_timeout"},
		{name: "empty notify queue", mutate: func(c *Config) { c.Access.NotifyQueueSize = 0 }, want: "notify_queue_size"},
		{name: "no notify workers", mutate: func(c *Config) { c.Access.NotifyWorkers = 0 }, want: "notify_workers"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, want: "security.jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, want: "at least 32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = validJWTSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("GYMCORE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("GYMCORE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("GYMCORE_MQTT_PORT", "8883")
	t.Setenv("GYMCORE_MQTT_USERNAME", "backend")
	t.Setenv("GYMCORE_MQTT_PASSWORD", "backendpass")
	t.Setenv("GYMCORE_MQTT_TLS", "yes")
	t.Setenv("GYMCORE_API_HOST", "192.168.1.1")
	t.Setenv("GYMCORE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("GYMCORE_JWT_SECRET", "jwt-secret")

	applyEnvOverrides(cfg)

	if cfg.Database.Path != "/custom/path.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/custom/path.db")
	}
	if cfg.MQTT.Broker.Host != "mqtt.example.com" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "mqtt.example.com")
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Username != "backend" || cfg.MQTT.Auth.Password != "backendpass" {
		t.Errorf("MQTT.Auth = %+v, want backend/backendpass", cfg.MQTT.Auth)
	}
	if !cfg.MQTT.Broker.TLS {
		t.Error("MQTT.Broker.TLS = false, want true")
	}
	if cfg.API.Host != "192.168.1.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "192.168.1.1")
	}
	if cfg.InfluxDB.Token != "secret-token" {
		t.Errorf("InfluxDB.Token = %q, want %q", cfg.InfluxDB.Token, "secret-token")
	}
	if cfg.Security.JWT.Secret != "jwt-secret" {
		t.Errorf("Security.JWT.Secret = %q, want %q", cfg.Security.JWT.Secret, "jwt-secret")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Reconnect.InitialDelay != 1 || cfg.MQTT.Reconnect.MaxDelay != 10 {
		t.Errorf("Reconnect = %+v, want 1s..10s", cfg.MQTT.Reconnect)
	}
	if cfg.Commands.DefaultTimeout != 5 || cfg.Commands.MaxTimeout != 60 {
		t.Errorf("Commands = %+v, want default 5, max 60", cfg.Commands)
	}
	if cfg.WebSocket.Path != "/ws/events" {
		t.Errorf("WebSocket.Path = %q, want /ws/events", cfg.WebSocket.Path)
	}
}

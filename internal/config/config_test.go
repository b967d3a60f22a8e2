// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, durations, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("TEST_PARLEY_SECRET", testSecret)
	path := writeConfig(t, "gateway.yaml", `
server:
  http_addr: "127.0.0.1:9090"
  shutdown_timeout: "5s"

database:
  path: "./parley.db"

auth:
  jwt_secret: "${TEST_PARLEY_SECRET}"
  token_ttl: "2h"

realtime:
  op_timeout: "3s"
  history_limit: 20
  send_rate: 2
  send_burst: 4
  allowed_origins:
    - "https://chat.example.com"

queue:
  minutes_per_position: 7

redis:
  enabled: true
  url: "redis://localhost:6379/0"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret was not expanded: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("Auth.TokenTTL = %v", cfg.Auth.TokenTTL)
	}
	if cfg.Realtime.OpTimeout != 3*time.Second {
		t.Errorf("Realtime.OpTimeout = %v", cfg.Realtime.OpTimeout)
	}
	if cfg.Realtime.HistoryLimit != 20 || cfg.Realtime.SendRate != 2 || cfg.Realtime.SendBurst != 4 {
		t.Errorf("Realtime = %+v", cfg.Realtime)
	}
	if len(cfg.Realtime.AllowedOrigins) != 1 {
		t.Errorf("Realtime.AllowedOrigins = %v", cfg.Realtime.AllowedOrigins)
	}
	if cfg.Realtime.DedupeTTL != DefaultDedupeTTL {
		t.Errorf("Realtime.DedupeTTL = %v, want default", cfg.Realtime.DedupeTTL)
	}
	if cfg.Queue.MinutesPerPosition != 7 {
		t.Errorf("Queue.MinutesPerPosition = %d", cfg.Queue.MinutesPerPosition)
	}
	if !cfg.Redis.Enabled || cfg.Redis.ChannelPrefix != DefaultChannelPrefix {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "gateway.toml", `
[server]
http_addr = ":8081"

[database]
path = "/var/lib/parley/parley.db"

[auth]
jwt_secret = "`+testSecret+`"

[realtime]
ping_interval = "15s"

[logging]
format = "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != ":8081" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.Database.Path != "/var/lib/parley/parley.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Realtime.PingInterval != 15*time.Second {
		t.Errorf("Realtime.PingInterval = %v", cfg.Realtime.PingInterval)
	}
	if cfg.Realtime.OpTimeout != DefaultOpTimeout {
		t.Errorf("Realtime.OpTimeout = %v, want default", cfg.Realtime.OpTimeout)
	}
}

func TestLoad_DBPathOverride(t *testing.T) {
	t.Setenv("PARLEY_DB_PATH", "/tmp/override.db")
	path := writeConfig(t, "gateway.yaml", "database:\n  path: ./a.db\nauth:\n  jwt_secret: "+testSecret+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "server: [", "parsing config file"},
		{"bad duration", "realtime:\n  op_timeout: soon\n", "realtime.op_timeout"},
		{"negative duration", "realtime:\n  op_timeout: -1s\n", "must be positive"},
		{"missing db", "auth:\n  jwt_secret: " + testSecret + "\n", "database.path"},
		{"short secret", "database:\n  path: x.db\nauth:\n  jwt_secret: short\n", "jwt_secret"},
		{"redis without url", "database:\n  path: x.db\nauth:\n  jwt_secret: " + testSecret + "\nredis:\n  enabled: true\n", "redis.url"},
		{"bad log format", "database:\n  path: x.db\nauth:\n  jwt_secret: " + testSecret + "\nlogging:\n  format: xml\n", "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "gateway.yaml", tt.content))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() error = nil for missing file")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PARLEY_TEST_A", "alpha")
	got := expandEnvVars("a=${PARLEY_TEST_A} b=${PARLEY_TEST_UNSET_XYZ}")
	if got != "a=alpha b=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", "/etc/parley.yaml")
	if got := DefaultPath(); got != "/etc/parley.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("PARLEY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "parley", "gateway.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

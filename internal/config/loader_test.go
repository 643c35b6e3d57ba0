package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	configContent := `
bus:
  type: session
  call_timeout_seconds: 5

scan:
  destination: org.freedesktop.UDisks2
  root: /org/freedesktop/UDisks2
  mock: udisks
  output: capture.jsonl.zst
  ignored_interfaces:
    - org.freedesktop.DBus.Properties
    - org.freedesktop.DBus.Introspectable

replay:
  input: capture.jsonl.zst
  bus_name: org.freedesktop.UDisks2
  emit_interfaces_added: false

catalog:
  enabled: true
  table: captures
  database:
    host: localhost
    port: 3307
    user: catalog
    password: secret
    database: dbusreplay

logging:
  level: debug
  format: json
  output: stdout
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	// Verify bus config
	if cfg.Bus.Type != "session" {
		t.Errorf("expected bus type 'session', got %s", cfg.Bus.Type)
	}
	if cfg.Bus.CallTimeoutSeconds != 5 {
		t.Errorf("expected call timeout 5, got %v", cfg.Bus.CallTimeoutSeconds)
	}

	// Verify scan config
	if cfg.Scan.Destination != "org.freedesktop.UDisks2" {
		t.Errorf("expected destination 'org.freedesktop.UDisks2', got %s", cfg.Scan.Destination)
	}
	if cfg.Scan.Root != "/org/freedesktop/UDisks2" {
		t.Errorf("expected root '/org/freedesktop/UDisks2', got %s", cfg.Scan.Root)
	}
	if cfg.Scan.Mock != "udisks" {
		t.Errorf("expected mock 'udisks', got %s", cfg.Scan.Mock)
	}
	if len(cfg.Scan.IgnoredInterfaces) != 2 {
		t.Errorf("expected 2 ignored interfaces, got %d", len(cfg.Scan.IgnoredInterfaces))
	}

	// Verify replay config
	if cfg.Replay.EmitInterfacesAdded {
		t.Error("expected emit_interfaces_added to be false")
	}
	if cfg.Replay.ManagerPath != "/org/freedesktop/UDisks2" { // default kept
		t.Errorf("expected default manager path, got %s", cfg.Replay.ManagerPath)
	}

	// Verify catalog config
	if !cfg.Catalog.Enabled {
		t.Error("expected catalog to be enabled")
	}
	if cfg.Catalog.Database.Port != 3307 {
		t.Errorf("expected catalog port 3307, got %d", cfg.Catalog.Database.Port)
	}
	if cfg.Catalog.Database.MaxConnections != 4 { // default kept
		t.Errorf("expected default max_connections 4, got %d", cfg.Catalog.Database.MaxConnections)
	}

	// Verify logging config
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected logging level 'debug', got %s", cfg.Logging.Level)
	}
}

func TestLoadWithEnvVars(t *testing.T) {
	// Set environment variables for test
	os.Setenv("TEST_DBUS_ADDRESS", "unix:path=/tmp/test-bus")
	os.Setenv("TEST_DB_USER", "env-user")
	os.Setenv("TEST_DB_PASS", "env-pass")
	defer func() {
		os.Unsetenv("TEST_DBUS_ADDRESS")
		os.Unsetenv("TEST_DB_USER")
		os.Unsetenv("TEST_DB_PASS")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-env.yaml")

	configContent := `
bus:
  address: ${TEST_DBUS_ADDRESS}
catalog:
  database:
    host: localhost
    user: ${TEST_DB_USER}
    password: ${TEST_DB_PASS}
    database: dbusreplay
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Bus.Address != "unix:path=/tmp/test-bus" {
		t.Errorf("expected bus address 'unix:path=/tmp/test-bus', got %s", cfg.Bus.Address)
	}
	if cfg.Catalog.Database.User != "env-user" {
		t.Errorf("expected catalog user 'env-user', got %s", cfg.Catalog.Database.User)
	}
	if cfg.Catalog.Database.Password != "env-pass" {
		t.Errorf("expected catalog password 'env-pass', got %s", cfg.Catalog.Database.Password)
	}
}

func TestExpandEnvVar(t *testing.T) {
	os.Setenv("TEST_VAR", "test-value")
	defer os.Unsetenv("TEST_VAR")

	tests := []struct {
		input    string
		expected string
	}{
		{"${TEST_VAR}", "test-value"},
		{"$TEST_VAR", "test-value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-test-value-suffix"},
		{"${NONEXISTENT}", "${NONEXISTENT}"}, // Unset vars remain unchanged
		{"no-vars-here", "no-vars-here"},
	}

	for _, tt := range tests {
		result := expandEnvVar(tt.input)
		if result != tt.expected {
			t.Errorf("expandEnvVar(%q) = %q, expected %q", tt.input, result, tt.expected)
		}
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadOptional(t *testing.T) {
	cfg, err := LoadOptional("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Scan.Root != "/" {
		t.Errorf("expected default root '/', got %s", cfg.Scan.Root)
	}

	if _, err := LoadOptional("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()

	cfg.ApplyOverrides(Overrides{
		LogLevel:    "debug",
		LogFormat:   "json",
		BusType:     "session",
		Destination: "com.example.Service",
		Root:        "/com/example",
		Mock:        "example",
		Output:      "out.jsonl",
	})

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level 'debug' after override, got %s", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format 'json' after override, got %s", cfg.Logging.Format)
	}
	if cfg.Bus.Type != "session" {
		t.Errorf("expected bus type 'session' after override, got %s", cfg.Bus.Type)
	}
	if cfg.Scan.Destination != "com.example.Service" {
		t.Errorf("expected destination override, got %s", cfg.Scan.Destination)
	}
	if cfg.Scan.Root != "/com/example" {
		t.Errorf("expected root override, got %s", cfg.Scan.Root)
	}
	if cfg.Scan.Mock != "example" {
		t.Errorf("expected mock override, got %s", cfg.Scan.Mock)
	}
	if cfg.Scan.Output != "out.jsonl" {
		t.Errorf("expected output override, got %s", cfg.Scan.Output)
	}
}

func TestApplyOverridesZeroValues(t *testing.T) {
	cfg := &Config{
		Bus:     BusConfig{Type: "session"},
		Scan:    ScanConfig{Root: "/a", Mock: "m"},
		Logging: LoggingConfig{Level: "warn", Format: "json"},
	}

	// Empty values should NOT override
	cfg.ApplyOverrides(Overrides{})

	if cfg.Logging.Level != "warn" {
		t.Errorf("expected log level 'warn' to be preserved, got %s", cfg.Logging.Level)
	}
	if cfg.Bus.Type != "session" {
		t.Errorf("expected bus type 'session' to be preserved, got %s", cfg.Bus.Type)
	}
	if cfg.Scan.Root != "/a" {
		t.Errorf("expected root '/a' to be preserved, got %s", cfg.Scan.Root)
	}
	if cfg.Scan.Mock != "m" {
		t.Errorf("expected mock 'm' to be preserved, got %s", cfg.Scan.Mock)
	}
}

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  broker: 192.168.10.236\n  password: ${SENSORGATE_TEST_MQTT_PW}\n"), 0600)
	t.Setenv("SENSORGATE_TEST_MQTT_PW", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
	if !cfg.MQTT.Configured() {
		t.Error("MQTT.Configured() = false, want true")
	}
	if got := cfg.MQTT.Address(); got != "192.168.10.236:1883" {
		t.Errorf("MQTT.Address() = %q", got)
	}
}

func TestDefault_MatchesFieldValues(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"listen port", cfg.Listen.Port, 80},
		{"websocket path", cfg.WebSocket.Path, "/ws"},
		{"max frame", cfg.WebSocket.MaxFrameBytes, 512},
		{"publish interval", cfg.Telemetry.PublishInterval(), 7 * time.Second},
		{"link timeout", cfg.Network.ConnectTimeout(), 30 * time.Second},
		{"link poll", cfg.Network.PollInterval(), 500 * time.Millisecond},
		{"settle", cfg.Network.SettleDelay(), time.Second},
		{"restart", cfg.Gateway.RestartInterval(), 24 * time.Hour},
		{"tick", cfg.Gateway.TickInterval(), 10 * time.Millisecond},
		{"climate pin", cfg.Sensors.Climate.Pin, 4},
		{"climate settle", cfg.Sensors.Climate.SettleDelay(), 20 * time.Millisecond},
		{"gas mode active", cfg.Sensors.Gas.Active(), true},
		{"gas baud", cfg.Sensors.Gas.Baud, 9600},
		{"discovery prefix", cfg.MQTT.DiscoveryPrefix, "homeassistant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v, want nil", err)
	}
}

func TestLoad_ExplicitValuesKept(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
websocket:
  path: /sensors
sensors:
  gas:
    mode: passive
telemetry:
  publish_interval_sec: 30
`
	os.WriteFile(path, []byte(yaml), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.WebSocket.Path != "/sensors" {
		t.Errorf("path = %q", cfg.WebSocket.Path)
	}
	if cfg.Sensors.Gas.Active() {
		t.Error("gas mode should be passive")
	}
	if cfg.Telemetry.PublishInterval() != 30*time.Second {
		t.Errorf("interval = %v", cfg.Telemetry.PublishInterval())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
		{"bad climate driver", func(c *Config) { c.Sensors.Climate.Driver = "i2c" }, "sensors.climate.driver"},
		{"bad gas mode", func(c *Config) { c.Sensors.Gas.Mode = "burst" }, "sensors.gas.mode"},
		{"relative ws path", func(c *Config) { c.WebSocket.Path = "ws" }, "websocket.path"},
		{"watchdog too short", func(c *Config) { c.Gateway.WatchdogTimeoutSec = 5 }, "watchdog_timeout_sec"},
		{"port out of range", func(c *Config) { c.MQTT.Port = 70000 }, "mqtt.port"},
		{"restart past counter wrap", func(c *Config) { c.Gateway.RestartIntervalHours = 2000 }, "restart_interval_hours"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
}

func TestLoad_KeepsCommandTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	t.Setenv("SSID", "from-env")
	os.WriteFile(path, []byte(`network:
  connect_command: ["nmcli", "dev", "wifi", "connect", "${SSID}", "password", "${PASSPHRASE}"]
  passphrase: ${SENSORGATE_TEST_WIFI}
`), 0600)
	t.Setenv("SENSORGATE_TEST_WIFI", "hunter2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Network.ConnectCommand[4]; got != "${SSID}" {
		t.Errorf("ssid token = %q, want it left for the link to substitute", got)
	}
	if cfg.Network.Passphrase != "hunter2" {
		t.Errorf("passphrase = %q", cfg.Network.Passphrase)
	}
}

// Package config handles Sensorgate configuration loading.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/sensorgate/config.yaml, /etc/sensorgate/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "sensorgate", "config.yaml"))
	}

	paths = append(paths, "/etc/sensorgate/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Sensorgate configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Network   NetworkConfig   `yaml:"network"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the HTTP server that carries the WebSocket
// endpoint, /health and /metrics.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 80
}

// NetworkConfig describes the network link the node associates with.
// On a board managed by NetworkManager or wpa_supplicant, the connect and
// disconnect commands hand the actual association to those daemons; the
// supervisor only drives them and polls the interface.
type NetworkConfig struct {
	Interface         string   `yaml:"interface"` // e.g. wlan0
	SSID              string   `yaml:"ssid"`
	Passphrase        string   `yaml:"passphrase"`
	ConnectCommand    []string `yaml:"connect_command"`    // argv; ${SSID} and ${PASSPHRASE} are substituted
	DisconnectCommand []string `yaml:"disconnect_command"` // argv
	SettleDelayMs     int      `yaml:"settle_delay_ms"`
	PollIntervalMs    int      `yaml:"poll_interval_ms"`
	ConnectTimeoutSec int      `yaml:"connect_timeout_sec"`
	FailureCooldownS  int      `yaml:"failure_cooldown_sec"`
}

// SettleDelay is the pause between tearing down a stale association and
// issuing a fresh one.
func (c NetworkConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// PollInterval is the link status polling cadence while associating.
func (c NetworkConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// ConnectTimeout bounds a single association attempt.
func (c NetworkConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// FailureCooldown is how long the control loop pauses after a failed
// reconnect before its next tick.
func (c NetworkConfig) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownS) * time.Second
}

// MQTTConfig defines the telemetry broker session.
type MQTTConfig struct {
	Broker            string `yaml:"broker"` // host name or IP
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ClientID          string `yaml:"client_id"` // empty: derived from the persisted instance ID
	DiscoveryPrefix   string `yaml:"discovery_prefix"`
	DeviceName        string `yaml:"device_name"` // optional HA device block in discovery payloads
	KeepAliveSec      int    `yaml:"keep_alive_sec"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Address returns the broker host:port pair.
func (c MQTTConfig) Address() string {
	return net.JoinHostPort(c.Broker, strconv.Itoa(c.Port))
}

// ConnectTimeout bounds the TCP dial plus CONNECT/CONNACK exchange.
func (c MQTTConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// WebSocketConfig defines the request/response endpoint.
type WebSocketConfig struct {
	Path          string `yaml:"path"`
	MaxFrameBytes int    `yaml:"max_frame_bytes"`
	SendQueue     int    `yaml:"send_queue"`
}

// SensorsConfig groups the two physical sensors.
type SensorsConfig struct {
	Climate ClimateConfig `yaml:"climate"`
	Gas     GasConfig     `yaml:"gas"`
}

// ClimateConfig configures the temperature/humidity sensor (DHT22).
type ClimateConfig struct {
	Driver        string `yaml:"driver"` // iio or sim
	Pin           int    `yaml:"pin"`
	IIODir        string `yaml:"iio_dir"` // default /sys/bus/iio/devices
	SettleDelayMs int    `yaml:"settle_delay_ms"`
	MinSpacingMs  int    `yaml:"min_spacing_ms"`
}

// SettleDelay is the fixed pause before each sample.
func (c ClimateConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// MinSpacing is the transducer's minimum inter-read spacing.
func (c ClimateConfig) MinSpacing() time.Duration {
	return time.Duration(c.MinSpacingMs) * time.Millisecond
}

// GasConfig configures the formaldehyde sensor (ZE08-CH2O).
type GasConfig struct {
	Driver        string `yaml:"driver"` // ze08 or sim
	Device        string `yaml:"device"`
	Baud          int    `yaml:"baud"`
	Mode          string `yaml:"mode"` // active or passive
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
}

// ReadTimeout is the default bound used by the gas facade's ReadUntil.
func (c GasConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// Active reports whether the sensor should push readings on its own.
func (c GasConfig) Active() bool {
	return c.Mode != "passive"
}

// TelemetryConfig controls the periodic MQTT push.
type TelemetryConfig struct {
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// PublishInterval is the spacing between telemetry pushes.
func (c TelemetryConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// GatewayConfig controls the control loop itself.
type GatewayConfig struct {
	TickIntervalMs       int    `yaml:"tick_interval_ms"`
	RestartIntervalHours int    `yaml:"restart_interval_hours"`
	WatchdogDevice       string `yaml:"watchdog_device"` // empty: software watchdog
	WatchdogTimeoutSec   int    `yaml:"watchdog_timeout_sec"`
}

// TickInterval is the idle pause at the end of every control-loop tick.
func (c GatewayConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// RestartInterval is the uptime ceiling after which the process restarts.
func (c GatewayConfig) RestartInterval() time.Duration {
	return time.Duration(c.RestartIntervalHours) * time.Hour
}

// WatchdogTimeout is how long the loop may stall before the watchdog fires.
func (c GatewayConfig) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandTokens are substituted by the network link at run time, not
// from the environment at load time.
var commandTokens = map[string]bool{"SSID": true, "PASSPHRASE": true, "INTERFACE": true}

// expandEnv replaces ${VAR} and $VAR with environment values, leaving
// the network command tokens in place.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if commandTokens[name] {
			return "${" + name + "}"
		}
		return os.Getenv(name)
	})
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields with the values the sensor node
// has always run with.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 80
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	n := &c.Network
	if n.SettleDelayMs == 0 {
		n.SettleDelayMs = 1000
	}
	if n.PollIntervalMs == 0 {
		n.PollIntervalMs = 500
	}
	if n.ConnectTimeoutSec == 0 {
		n.ConnectTimeoutSec = 30
	}
	if n.FailureCooldownS == 0 {
		n.FailureCooldownS = 5
	}

	m := &c.MQTT
	if m.Port == 0 {
		m.Port = 1883
	}
	if m.DiscoveryPrefix == "" {
		m.DiscoveryPrefix = "homeassistant"
	}
	if m.KeepAliveSec == 0 {
		m.KeepAliveSec = 15
	}
	if m.ConnectTimeoutSec == 0 {
		m.ConnectTimeoutSec = 10
	}

	w := &c.WebSocket
	if w.Path == "" {
		w.Path = "/ws"
	}
	if w.MaxFrameBytes == 0 {
		w.MaxFrameBytes = 512
	}
	if w.SendQueue == 0 {
		w.SendQueue = 16
	}

	cl := &c.Sensors.Climate
	if cl.Driver == "" {
		cl.Driver = "iio"
	}
	if cl.Pin == 0 {
		cl.Pin = 4
	}
	if cl.IIODir == "" {
		cl.IIODir = "/sys/bus/iio/devices"
	}
	if cl.SettleDelayMs == 0 {
		cl.SettleDelayMs = 20
	}
	if cl.MinSpacingMs == 0 {
		cl.MinSpacingMs = 2000
	}

	g := &c.Sensors.Gas
	if g.Driver == "" {
		g.Driver = "ze08"
	}
	if g.Device == "" {
		g.Device = "/dev/ttyS2"
	}
	if g.Baud == 0 {
		g.Baud = 9600
	}
	if g.Mode == "" {
		g.Mode = "active"
	}
	if g.ReadTimeoutMs == 0 {
		g.ReadTimeoutMs = 1000
	}

	if c.Telemetry.PublishIntervalSec == 0 {
		c.Telemetry.PublishIntervalSec = 7
	}

	gw := &c.Gateway
	if gw.TickIntervalMs == 0 {
		gw.TickIntervalMs = 10
	}
	if gw.RestartIntervalHours == 0 {
		gw.RestartIntervalHours = 24
	}
	if gw.WatchdogTimeoutSec == 0 {
		gw.WatchdogTimeoutSec = 120
	}
}

// Validate checks the configuration for values the node cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q invalid (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
	}
	if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > 65535 {
		errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d out of range", c.MQTT.KeepAliveSec))
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		errs = append(errs, fmt.Errorf("websocket.path %q must start with /", c.WebSocket.Path))
	}
	if c.WebSocket.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("websocket.max_frame_bytes must not be negative"))
	}
	if c.WebSocket.SendQueue < 1 {
		errs = append(errs, fmt.Errorf("websocket.send_queue must be at least 1"))
	}
	switch c.Sensors.Climate.Driver {
	case "iio", "sim":
	default:
		errs = append(errs, fmt.Errorf("sensors.climate.driver %q invalid (valid: iio, sim)", c.Sensors.Climate.Driver))
	}
	switch c.Sensors.Gas.Driver {
	case "ze08", "sim":
	default:
		errs = append(errs, fmt.Errorf("sensors.gas.driver %q invalid (valid: ze08, sim)", c.Sensors.Gas.Driver))
	}
	switch c.Sensors.Gas.Mode {
	case "active", "passive":
	default:
		errs = append(errs, fmt.Errorf("sensors.gas.mode %q invalid (valid: active, passive)", c.Sensors.Gas.Mode))
	}
	if c.Telemetry.PublishIntervalSec < 1 {
		errs = append(errs, fmt.Errorf("telemetry.publish_interval_sec must be at least 1"))
	}
	// The control loop's millisecond counter wraps after about 49.7 days.
	if c.Gateway.RestartIntervalHours < 1 || c.Gateway.RestartIntervalHours > 1192 {
		errs = append(errs, fmt.Errorf("gateway.restart_interval_hours %d out of range (1-1192)", c.Gateway.RestartIntervalHours))
	}
	if c.Network.PollIntervalMs < 1 || c.Network.ConnectTimeoutSec < 1 {
		errs = append(errs, fmt.Errorf("network poll interval and connect timeout must be positive"))
	}

	// One tick holds at most one association attempt (commands included,
	// bounded by the settle delay plus the connect timeout), a broker
	// handshake and the failure cooldown. The WebSocket batch is capped
	// separately in wsserver.
	attempt := c.Network.SettleDelay() + c.Network.ConnectTimeout()
	worstStall := attempt + c.MQTT.ConnectTimeout() + c.Network.FailureCooldown()
	if c.Gateway.WatchdogTimeout() <= worstStall {
		errs = append(errs, fmt.Errorf("gateway.watchdog_timeout_sec (%s) must exceed the worst-case reconnect stall (%s)",
			c.Gateway.WatchdogTimeout(), worstStall))
	}

	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaz8081/gattbench/internal/bench"
	"github.com/chaz8081/gattbench/internal/ble"
	"github.com/chaz8081/gattbench/internal/gattq"
	"github.com/chaz8081/gattbench/internal/timing"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Role      string         `yaml:"role"`      // "initiator" or "responder"
	Transport string         `yaml:"transport"` // "netlink" or "ble"
	Identity  string         `yaml:"identity"`
	Netlink   NetlinkConfig  `yaml:"netlink"`
	BLE       BLEConfig      `yaml:"ble"`
	Link      LinkConfig     `yaml:"link"`
	Bench     BenchConfig    `yaml:"bench"`
	Queue     QueueConfig    `yaml:"queue"`
	Recorder  RecorderConfig `yaml:"recorder"`
	LogLevel  string         `yaml:"log_level"`
}

// NetlinkConfig holds settings for the emulated link over TCP.
type NetlinkConfig struct {
	Addr           string        `yaml:"addr"` // listen address (responder) or peer address (initiator)
	Name           string        `yaml:"name"`
	MaxMTU         int           `yaml:"max_mtu"`
	MaxPeers       int           `yaml:"max_peers"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// BLEConfig holds settings for the radio transport.
type BLEConfig struct {
	Device          string        `yaml:"device"` // MAC address; empty picks the strongest advertiser
	ScanTimeout     time.Duration `yaml:"scan_timeout"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	ReconnectMax    int           `yaml:"reconnect_max"` // seconds
}

// LinkConfig holds the parameters the initiator negotiates.
type LinkConfig struct {
	MTU         int           `yaml:"mtu"`
	Interval    string        `yaml:"interval"` // "unset", "high", "balanced" or "low-power"
	Method      string        `yaml:"method"`   // "confirmed-write", "unconfirmed-write", "read-pull" or "notify-push"
	PayloadSize int           `yaml:"payload_size"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// BenchConfig holds the session budget and driver timing. Exactly one of
// Duration and Bytes is set.
type BenchConfig struct {
	Duration     time.Duration `yaml:"duration"`
	Bytes        int64         `yaml:"bytes"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// QueueConfig holds operation queue back-pressure settings.
type QueueConfig struct {
	Capacity int    `yaml:"capacity"` // 0 = unbounded
	Policy   string `yaml:"policy"`   // "block" or "fail-fast"
}

// RecorderConfig holds timing recorder settings.
type RecorderConfig struct {
	Capacity int `yaml:"capacity"` // samples per series
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "gattbench")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Role:      "initiator",
		Transport: "netlink",
		Netlink: NetlinkConfig{
			Addr:           "127.0.0.1:7878",
			MaxMTU:         247,
			RequestTimeout: 30 * time.Second,
		},
		BLE: BLEConfig{
			ScanTimeout:     10 * time.Second,
			ConnectAttempts: 3,
			ReconnectMax:    30,
		},
		Link: LinkConfig{
			MTU:         185,
			Interval:    "balanced",
			Method:      "unconfirmed-write",
			PayloadSize: 180,
			StepTimeout: 10 * time.Second,
		},
		Bench: BenchConfig{
			Duration:     10 * time.Second,
			PollInterval: 10 * time.Millisecond,
			ReadyTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			Policy: "block",
		},
		Recorder: RecorderConfig{
			Capacity: timing.DefaultCapacity,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	// A file that sets only a byte budget replaces the default time budget.
	var budget struct {
		Bench struct {
			Duration *time.Duration `yaml:"duration"`
		} `yaml:"bench"`
	}
	if err := yaml.Unmarshal(data, &budget); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if cfg.Bench.Bytes > 0 && budget.Bench.Duration == nil {
		cfg.Bench.Duration = 0
	}
	return cfg, nil
}

const defaultHeader = "# gattbench configuration\n# See README for every option.\n\n"

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.Role {
	case "initiator", "responder":
	default:
		return fmt.Errorf("role must be \"initiator\" or \"responder\", got %q", c.Role)
	}

	switch c.Transport {
	case "netlink":
		if c.Netlink.Addr == "" {
			return fmt.Errorf("netlink.addr must not be empty")
		}
		if c.Netlink.MaxMTU < ble.DefaultMTU || c.Netlink.MaxMTU > ble.MaxMTU {
			return fmt.Errorf("netlink.max_mtu must be between %d and %d, got %d", ble.DefaultMTU, ble.MaxMTU, c.Netlink.MaxMTU)
		}
		if c.Netlink.MaxPeers < 0 {
			return fmt.Errorf("netlink.max_peers must be >= 0")
		}
	case "ble":
		if c.Role == "responder" {
			return fmt.Errorf("transport \"ble\" only supports the initiator role")
		}
		if c.BLE.ScanTimeout <= 0 {
			return fmt.Errorf("ble.scan_timeout must be > 0")
		}
	default:
		return fmt.Errorf("transport must be \"netlink\" or \"ble\", got %q", c.Transport)
	}

	if _, err := c.LinkParams(); err != nil {
		return err
	}
	if _, err := c.Spec(); err != nil {
		return err
	}
	if c.Bench.PollInterval <= 0 {
		return fmt.Errorf("bench.poll_interval must be > 0")
	}
	if c.Bench.ReadyTimeout <= 0 {
		return fmt.Errorf("bench.ready_timeout must be > 0")
	}

	if c.Queue.Capacity < 0 {
		return fmt.Errorf("queue.capacity must be >= 0")
	}
	if _, err := gattq.ParsePolicy(c.Queue.Policy); err != nil {
		return fmt.Errorf("queue.policy must be \"block\" or \"fail-fast\", got %q", c.Queue.Policy)
	}
	if c.Recorder.Capacity <= 0 {
		return fmt.Errorf("recorder.capacity must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// LinkParams converts the link section into negotiation targets.
func (c *Config) LinkParams() (ble.LinkParams, error) {
	interval, err := ble.ParseIntervalClass(c.Link.Interval)
	if err != nil {
		return ble.LinkParams{}, fmt.Errorf("link.interval: %w", err)
	}
	method, err := ble.ParseMethod(c.Link.Method)
	if err != nil {
		return ble.LinkParams{}, fmt.Errorf("link.method: %w", err)
	}
	if c.Link.MTU < ble.DefaultMTU || c.Link.MTU > ble.MaxMTU {
		return ble.LinkParams{}, fmt.Errorf("link.mtu must be between %d and %d, got %d", ble.DefaultMTU, ble.MaxMTU, c.Link.MTU)
	}
	if c.Link.PayloadSize <= 0 {
		return ble.LinkParams{}, fmt.Errorf("link.payload_size must be > 0")
	}
	return ble.LinkParams{MTU: c.Link.MTU, Interval: interval, Method: method, PayloadSize: c.Link.PayloadSize}, nil
}

// Spec converts the bench section into a session budget.
func (c *Config) Spec() (bench.DurationSpec, error) {
	spec := bench.DurationSpec{Duration: c.Bench.Duration, Bytes: c.Bench.Bytes}
	if err := spec.Validate(); err != nil {
		return spec, fmt.Errorf("bench: set exactly one of duration and bytes: %w", err)
	}
	return spec, nil
}

// QueuePolicy returns the parsed queue policy.
func (c *Config) QueuePolicy() gattq.Policy {
	p, _ := gattq.ParsePolicy(c.Queue.Policy)
	return p
}

// ParseLogLevel maps a config log level to a slog level. Unknown values map
// to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

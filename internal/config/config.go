// Package config loads the logger configuration: defaults, then a YAML or
// TOML file, then .env files, then environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sammy180/onion-logger/internal/csvlog"
	"github.com/sammy180/onion-logger/internal/logging"
	"github.com/sammy180/onion-logger/internal/record"
)

const DefaultPath = "/etc/onion-logger/config.yaml"

// Discovery modes.
const (
	ModeGlob   = "glob"   // filesystem glob over /dev
	ModeSerial = "serial" // serial driver port list
	ModeDemo   = "demo"   // simulated boxes
)

// Config holds all logger configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database" toml:"database" json:"database"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery" json:"discovery"`
	Serial    SerialConfig    `yaml:"serial" toml:"serial" json:"serial"`
	Channels  ChannelsConfig  `yaml:"channels" toml:"channels" json:"channels"`
	Server    ServerConfig    `yaml:"server" toml:"server" json:"server"`
	MQTT      MQTTConfig      `yaml:"mqtt" toml:"mqtt" json:"mqtt"`
	Staleness StalenessConfig `yaml:"staleness" toml:"staleness" json:"staleness"`
	CSV       csvlog.Config   `yaml:"csv" toml:"csv" json:"csv"`
	Log       LogConfig       `yaml:"log" toml:"log" json:"log"`

	path     string   // file the config was read from, if any
	envFiles []string // .env files that were applied
}

type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" json:"path"`
}

type DiscoveryConfig struct {
	Mode     string        `yaml:"mode" toml:"mode" json:"mode"`             // "glob", "serial" or "demo"
	Pattern  string        `yaml:"pattern" toml:"pattern" json:"pattern"`    // e.g. /dev/Onion*
	Interval time.Duration `yaml:"interval" toml:"interval" json:"interval"` // between listing passes
	// DemoBoxes and DemoInterval shape the simulated boxes in demo mode.
	DemoBoxes    int           `yaml:"demo_boxes" toml:"demo_boxes" json:"demoBoxes"`
	DemoInterval time.Duration `yaml:"demo_interval" toml:"demo_interval" json:"demoInterval"`
}

type SerialConfig struct {
	BaudRate      int           `yaml:"baud_rate" toml:"baud_rate" json:"baudRate"`
	ReadTimeout   time.Duration `yaml:"read_timeout" toml:"read_timeout" json:"readTimeout"`
	SettleDelay   time.Duration `yaml:"settle_delay" toml:"settle_delay" json:"settleDelay"`
	IdleBackoff   time.Duration `yaml:"idle_backoff" toml:"idle_backoff" json:"idleBackoff"`
	MaxFrameBytes int           `yaml:"max_frame_bytes" toml:"max_frame_bytes" json:"maxFrameBytes"`
}

// ChannelsConfig names the channel order of frame positions 3 onwards.
// Order wins over HeadersFile; with neither set the current firmware order
// is used.
type ChannelsConfig struct {
	HeadersFile string   `yaml:"headers_file" toml:"headers_file" json:"headersFile"`
	Order       []string `yaml:"order" toml:"order" json:"order"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker" json:"broker"` // empty disables MQTT
	ClientID    string `yaml:"client_id" toml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix" json:"topicPrefix"`
	QoS         int    `yaml:"qos" toml:"qos" json:"qos"`
}

type StalenessConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled" json:"enabled"`
	Threshold time.Duration `yaml:"threshold" toml:"threshold" json:"threshold"`
	Interval  time.Duration `yaml:"interval" toml:"interval" json:"interval"`
}

type LogConfig struct {
	Level   string `yaml:"level" toml:"level" json:"level"`
	Console bool   `yaml:"console" toml:"console" json:"console"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "sensor_data.db",
		},
		Discovery: DiscoveryConfig{
			Mode:         ModeGlob,
			Pattern:      "/dev/Onion*",
			Interval:     5 * time.Second,
			DemoBoxes:    3,
			DemoInterval: 2 * time.Second,
		},
		Serial: SerialConfig{
			BaudRate:      115200,
			ReadTimeout:   time.Second,
			SettleDelay:   time.Second,
			IdleBackoff:   100 * time.Millisecond,
			MaxFrameBytes: 4096,
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
		MQTT: MQTTConfig{
			ClientID:    "onion-logger",
			TopicPrefix: "onion",
		},
		Staleness: StalenessConfig{
			Enabled:   true,
			Threshold: 5 * time.Minute,
			Interval:  30 * time.Second,
		},
		CSV: csvlog.Config{
			Enabled: false,
			Path:    csvlog.DefaultPath,
			MaxRows: csvlog.DefaultMaxRows,
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads config from a YAML file (or TOML, by extension), then applies
// .env and environment variable overrides. A missing file is not an error:
// defaults are used. A file that does not parse is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.path = path
		}
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{".env"}
	if path != "" {
		envPaths = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envPaths...)
	}
	for _, ep := range envPaths {
		if loadEnvFile(ep) {
			cfg.envFiles = append(cfg.envFiles, ep)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Path returns the file the config was read from, or "" for defaults.
func (c *Config) Path() string { return c.path }

// EnvFiles returns the .env files that were applied.
func (c *Config) EnvFiles() []string { return c.envFiles }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
	return true
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ONION_DB_PATH, ONION_DISCOVERY_MODE, ONION_DEVICE_PATTERN,
// ONION_BAUD, ONION_HEADERS_FILE, ONION_LISTEN_ADDR, ONION_MQTT_BROKER,
// ONION_CSV_ENABLED, ONION_CSV_PATH, ONION_LOG_LEVEL
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("ONION_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ONION_DISCOVERY_MODE"); v != "" {
		c.Discovery.Mode = v
	}
	if v := os.Getenv("ONION_DEVICE_PATTERN"); v != "" {
		c.Discovery.Pattern = v
	}
	if v := os.Getenv("ONION_BAUD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ONION_BAUD: %w", err)
		}
		c.Serial.BaudRate = n
	}
	if v := os.Getenv("ONION_HEADERS_FILE"); v != "" {
		c.Channels.HeadersFile = v
	}
	if v := os.Getenv("ONION_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("ONION_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("ONION_CSV_ENABLED"); v != "" {
		c.CSV.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("ONION_CSV_PATH"); v != "" {
		c.CSV.Path = v
	}
	if v := os.Getenv("ONION_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate rejects settings the logger cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is empty"))
	}
	switch c.Discovery.Mode {
	case ModeGlob, ModeSerial:
		if _, err := filepath.Match(c.Discovery.Pattern, ""); err != nil || c.Discovery.Pattern == "" {
			errs = append(errs, fmt.Errorf("discovery.pattern %q is not a valid glob", c.Discovery.Pattern))
		}
	case ModeDemo:
		if c.Discovery.DemoBoxes <= 0 || c.Discovery.DemoInterval <= 0 {
			errs = append(errs, errors.New("discovery.demo_boxes and discovery.demo_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("discovery.mode %q is not one of glob, serial, demo", c.Discovery.Mode))
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("discovery.interval must be positive"))
	}
	if c.Serial.BaudRate <= 0 {
		errs = append(errs, errors.New("serial.baud_rate must be positive"))
	}
	if c.Serial.ReadTimeout <= 0 {
		errs = append(errs, errors.New("serial.read_timeout must be positive"))
	}
	if c.Serial.SettleDelay < 0 {
		errs = append(errs, errors.New("serial.settle_delay must not be negative"))
	}
	if c.Serial.IdleBackoff <= 0 {
		errs = append(errs, errors.New("serial.idle_backoff must be positive"))
	}
	if c.Serial.MaxFrameBytes < 16 {
		errs = append(errs, errors.New("serial.max_frame_bytes must be at least 16"))
	}
	if c.Staleness.Enabled && (c.Staleness.Threshold <= 0 || c.Staleness.Interval <= 0) {
		errs = append(errs, errors.New("staleness.threshold and staleness.interval must be positive"))
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d is not 0, 1 or 2", c.MQTT.QoS))
	}
	if c.Log.Level != "" {
		if _, ok := logging.ParseLevel(c.Log.Level); !ok {
			errs = append(errs, fmt.Errorf("log.level %q is unknown", c.Log.Level))
		}
	}
	return errors.Join(errs...)
}

// Layout resolves the channel layout. A relative headers file is looked up
// next to the config file. Unknown channel names are returned for logging.
func (c *Config) Layout() (record.Layout, []string, error) {
	if len(c.Channels.Order) > 0 {
		l, unknown := record.NewLayout(c.Channels.Order)
		return l, unknown, nil
	}
	if c.Channels.HeadersFile == "" {
		return record.DefaultLayout(), nil, nil
	}
	path := c.Channels.HeadersFile
	if !filepath.IsAbs(path) && c.path != "" {
		path = filepath.Join(filepath.Dir(c.path), path)
	}
	return record.LoadLayout(path)
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// Package config loads the TeleMetrix server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/telemetrix/internal/devicemux"
	"github.com/banshee-data/telemetrix/internal/telemetry"
	"github.com/banshee-data/telemetrix/internal/units"
)

// Transport names.
const (
	TransportWebSocket = "websocket"
	TransportSerial    = "serial"
	TransportFixture   = "fixture"
)

// Defaults for unset keys.
const (
	DefaultListen            = ":8080"
	DefaultDeviceURL         = "192.168.4.1"
	DefaultSerialPort        = "/dev/ttyUSB0"
	DefaultFixturePath       = "testdata/drive.jsonl"
	DefaultDBPath            = "telemetrix.db"
	DefaultExportDir         = "exports"
	DefaultUserID            = "driver@telemetrix.local"
	DefaultReconnectInterval = 2 * time.Second
	DefaultFixtureInterval   = 100 * time.Millisecond
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root configuration. Every field is optional; the Get*
// methods supply defaults for fields the file leaves out.
type Config struct {
	Listen     *string `json:"listen,omitempty"`
	Transport  *string `json:"transport,omitempty"`
	DeviceURL  *string `json:"device_url,omitempty"`
	SerialPort *string `json:"serial_port,omitempty"`
	// Serial line settings; zero values take devicemux defaults.
	Serial      *devicemux.PortOptions `json:"serial,omitempty"`
	FixturePath *string                `json:"fixture_path,omitempty"`
	// Replay pacing for the fixture transport, e.g. "100ms".
	FixtureInterval *string `json:"fixture_interval,omitempty"`

	DBPath    *string `json:"db_path,omitempty"`
	ExportDir *string `json:"export_dir,omitempty"`
	UserID    *string `json:"user_id,omitempty"`
	Units     *string `json:"units,omitempty"`

	HighSpeedKMH      *float64 `json:"high_speed_kmh,omitempty"`
	SharpTurnRadS     *float64 `json:"sharp_turn_rads,omitempty"`
	AlertCooldown     *string  `json:"alert_cooldown,omitempty"`
	ChartWindow       *int     `json:"chart_window,omitempty"`
	ReconnectInterval *string  `json:"reconnect_interval,omitempty"`
}

func ptrString(v string) *string { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be at most 1MB. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// envKeys maps environment variables to string fields. Loaded after any
// .env file, so either may set them.
var envKeys = []struct {
	name  string
	field func(*Config) **string
}{
	{"TELEMETRIX_LISTEN", func(c *Config) **string { return &c.Listen }},
	{"TELEMETRIX_TRANSPORT", func(c *Config) **string { return &c.Transport }},
	{"TELEMETRIX_DEVICE_URL", func(c *Config) **string { return &c.DeviceURL }},
	{"TELEMETRIX_SERIAL_PORT", func(c *Config) **string { return &c.SerialPort }},
	{"TELEMETRIX_FIXTURE_PATH", func(c *Config) **string { return &c.FixturePath }},
	{"TELEMETRIX_DB_PATH", func(c *Config) **string { return &c.DBPath }},
	{"TELEMETRIX_EXPORT_DIR", func(c *Config) **string { return &c.ExportDir }},
	{"TELEMETRIX_USER_ID", func(c *Config) **string { return &c.UserID }},
	{"TELEMETRIX_UNITS", func(c *Config) **string { return &c.Units }},
}

// ApplyEnv overrides fields from TELEMETRIX_* environment variables looked
// up with getenv, then re-validates.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	for _, k := range envKeys {
		if v := getenv(k.name); v != "" {
			*k.field(c) = ptrString(v)
		}
	}
	if v := getenv("TELEMETRIX_HIGH_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEMETRIX_HIGH_SPEED_KMH %q: %w", v, err)
		}
		c.HighSpeedKMH = &f
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.Transport != nil {
		switch *c.Transport {
		case TransportWebSocket, TransportSerial, TransportFixture:
		default:
			return fmt.Errorf("transport must be one of websocket, serial, fixture, got %q", *c.Transport)
		}
	}
	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("units must be one of %s, got %q", units.GetValidUnitsString(), *c.Units)
	}
	if c.Serial != nil {
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("serial: %w", err)
		}
	}
	if c.HighSpeedKMH != nil && *c.HighSpeedKMH <= 0 {
		return fmt.Errorf("high_speed_kmh must be positive, got %f", *c.HighSpeedKMH)
	}
	if c.SharpTurnRadS != nil && *c.SharpTurnRadS <= 0 {
		return fmt.Errorf("sharp_turn_rads must be positive, got %f", *c.SharpTurnRadS)
	}
	if c.ChartWindow != nil && *c.ChartWindow <= 0 {
		return fmt.Errorf("chart_window must be positive, got %d", *c.ChartWindow)
	}
	for name, v := range map[string]*string{
		"alert_cooldown":     c.AlertCooldown,
		"reconnect_interval": c.ReconnectInterval,
		"fixture_interval":   c.FixtureInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}
	return nil
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string { return stringOr(c.Listen, DefaultListen) }

// GetTransport returns the device transport name.
func (c *Config) GetTransport() string { return stringOr(c.Transport, TransportWebSocket) }

// GetDeviceURL returns the device address (host, host:port or ws:// URL).
func (c *Config) GetDeviceURL() string { return stringOr(c.DeviceURL, DefaultDeviceURL) }

// GetSerialPort returns the serial device path.
func (c *Config) GetSerialPort() string { return stringOr(c.SerialPort, DefaultSerialPort) }

// GetSerial returns the serial line settings with defaults applied.
func (c *Config) GetSerial() devicemux.PortOptions {
	var opts devicemux.PortOptions
	if c.Serial != nil {
		opts = *c.Serial
	}
	if n, err := opts.Normalize(); err == nil {
		return n
	}
	return opts
}

// GetFixturePath returns the fixture replay file.
func (c *Config) GetFixturePath() string { return stringOr(c.FixturePath, DefaultFixturePath) }

// GetFixtureInterval returns the delay between replayed fixture frames.
func (c *Config) GetFixtureInterval() time.Duration {
	return durationOr(c.FixtureInterval, DefaultFixtureInterval)
}

// GetDBPath returns the SQLite database path.
func (c *Config) GetDBPath() string { return stringOr(c.DBPath, DefaultDBPath) }

// GetExportDir returns the directory session exports are written to.
func (c *Config) GetExportDir() string { return stringOr(c.ExportDir, DefaultExportDir) }

// GetUserID returns the id that namespaces stored profile data.
func (c *Config) GetUserID() string { return stringOr(c.UserID, DefaultUserID) }

// GetUnits returns the display unit for speeds.
func (c *Config) GetUnits() string { return stringOr(c.Units, units.KMPH) }

// GetChartWindow returns the number of live chart points.
func (c *Config) GetChartWindow() int {
	if c.ChartWindow == nil {
		return 20
	}
	return *c.ChartWindow
}

// GetReconnectInterval returns the delay between device reconnect attempts.
func (c *Config) GetReconnectInterval() time.Duration {
	return durationOr(c.ReconnectInterval, DefaultReconnectInterval)
}

// GetDetectorConfig returns the event detector thresholds.
func (c *Config) GetDetectorConfig() telemetry.DetectorConfig {
	cfg := telemetry.DefaultDetectorConfig()
	if c.HighSpeedKMH != nil {
		cfg.HighSpeedKmh = *c.HighSpeedKMH
	}
	if c.SharpTurnRadS != nil {
		cfg.SharpTurnRads = *c.SharpTurnRadS
	}
	cfg.Cooldown = durationOr(c.AlertCooldown, cfg.Cooldown)
	return cfg
}

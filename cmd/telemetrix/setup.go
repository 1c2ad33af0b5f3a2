package main

import (
	"fmt"

	"github.com/banshee-data/telemetrix/internal/config"
	"github.com/banshee-data/telemetrix/internal/devicemux"
	"github.com/banshee-data/telemetrix/internal/fsutil"
	"github.com/banshee-data/telemetrix/internal/timeutil"
)

// overrides are command-line values that replace config file settings when
// non-empty.
type overrides struct {
	listen    string
	transport string
	device    string
	dbPath    string
	exportDir string
}

func (o overrides) apply(cfg *config.Config) error {
	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.Listen, o.listen)
	set(&cfg.Transport, o.transport)
	switch {
	case o.device == "":
	case cfg.GetTransport() == config.TransportSerial:
		set(&cfg.SerialPort, o.device)
	case cfg.GetTransport() == config.TransportFixture:
		set(&cfg.FixturePath, o.device)
	default:
		set(&cfg.DeviceURL, o.device)
	}
	set(&cfg.DBPath, o.dbPath)
	set(&cfg.ExportDir, o.exportDir)
	return cfg.Validate()
}

// loadConfig reads path, or starts from defaults when path is empty, then
// applies environment and flag overrides.
func loadConfig(path string, getenv func(string) string, o overrides) (*config.Config, error) {
	cfg := config.Empty()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, err
	}
	if err := o.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newOpener returns the device opener for the configured transport and a
// human readable description of the data source.
func newOpener(cfg *config.Config, fsys fsutil.FileSystem, clock timeutil.Clock) (devicemux.Opener, string, error) {
	switch t := cfg.GetTransport(); t {
	case config.TransportWebSocket:
		u, err := devicemux.DeviceURL(cfg.GetDeviceURL())
		if err != nil {
			return nil, "", err
		}
		return devicemux.WebSocketOpener(u), "ESP32 over WiFi (" + u + ")", nil
	case config.TransportSerial:
		opts := cfg.GetSerial()
		if _, err := opts.SerialMode(); err != nil {
			return nil, "", err
		}
		return devicemux.SerialOpener(cfg.GetSerialPort(), opts),
			fmt.Sprintf("ESP32 over USB serial (%s @ %d baud)", cfg.GetSerialPort(), opts.BaudRate), nil
	case config.TransportFixture:
		if _, err := devicemux.LoadFixture(fsys, cfg.GetFixturePath()); err != nil {
			return nil, "", err
		}
		return devicemux.FixtureOpener(fsys, cfg.GetFixturePath(), cfg.GetFixtureInterval(), clock),
			"fixture replay (" + cfg.GetFixturePath() + ")", nil
	default:
		return nil, "", fmt.Errorf("unknown transport %q", t)
	}
}

// Package config loads the controller settings and reads automation server
// configuration files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	defaultAPIAddress       = "127.0.0.1:4780"
	defaultInternalPortMin  = 40000
	defaultInternalPortMax  = 40999
	defaultShutdownGrace    = 10 * time.Second
	defaultStatusTimeout    = 3 * time.Second
	defaultJournalTailLimit = 200
)

type Config struct {
	API     APIConfig     `toml:"api"`
	Appium  AppiumConfig  `toml:"appium"`
	Ports   PortsConfig   `toml:"ports"`
	Proxy   ProxyConfig   `toml:"proxy"`
	Logging LoggingConfig `toml:"logging"`
}

type APIConfig struct {
	Address       string `toml:"address"`
	AllowedOrigin string `toml:"allowed_origin"`
	EventsLimit   int    `toml:"events_limit"`
}

type AppiumConfig struct {
	EntryPoint string `toml:"entry_point"`
	Version    string `toml:"version"`
	Home       string `toml:"home"`
	Launcher   string `toml:"launcher"`
}

type PortsConfig struct {
	InternalMin int `toml:"internal_min"`
	InternalMax int `toml:"internal_max"`
}

type ProxyConfig struct {
	CertFile        string `toml:"cert_file"`
	KeyFile         string `toml:"key_file"`
	InjectMjpegPort bool   `toml:"inject_mjpeg_port"`
	ShutdownGrace   string `toml:"shutdown_grace"`
	StatusTimeout   string `toml:"status_timeout"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			Address:     defaultAPIAddress,
			EventsLimit: defaultJournalTailLimit,
		},
		Ports: PortsConfig{
			InternalMin: defaultInternalPortMin,
			InternalMax: defaultInternalPortMax,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/appiumhub/config.toml, or the equivalent
// under the user's home directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "appiumhub", "config.toml"), nil
}

// LoadConfig reads path over the defaults. A missing or empty file yields
// the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (c Config) APIAddress() string {
	addr := strings.TrimSpace(c.API.Address)
	if addr == "" {
		return defaultAPIAddress
	}
	return addr
}

func (c Config) EventsLimit() int {
	if c.API.EventsLimit <= 0 {
		return defaultJournalTailLimit
	}
	return c.API.EventsLimit
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return "info"
	}
	return level
}

// SlogLevel maps the configured level name onto slog.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel()) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) InternalPortRange() (int, int) {
	lo, hi := c.Ports.InternalMin, c.Ports.InternalMax
	if lo <= 0 || hi <= 0 || lo > hi {
		return defaultInternalPortMin, defaultInternalPortMax
	}
	return lo, hi
}

func (c Config) ShutdownGrace() time.Duration {
	return parseDuration(c.Proxy.ShutdownGrace, defaultShutdownGrace)
}

func (c Config) StatusTimeout() time.Duration {
	return parseDuration(c.Proxy.StatusTimeout, defaultStatusTimeout)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

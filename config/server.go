package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultServerPort    = 4723
	DefaultServerAddress = "0.0.0.0"
	DefaultBasePath      = "/"
)

// ServerConfig is the part of an automation server configuration file the
// proxy cares about.
type ServerConfig struct {
	Port     int
	Address  string
	BasePath string
}

type serverFile struct {
	Server struct {
		Port        int    `yaml:"port"`
		Address     string `yaml:"address"`
		BasePath    string `yaml:"base-path"`
		BasePathAlt string `yaml:"basePath"`
	} `yaml:"server"`
}

// ReadServerConfig reads a JSON or YAML automation server config. Missing
// fields take the automation server defaults; an empty path returns only
// defaults.
func ReadServerConfig(path string) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:     DefaultServerPort,
		Address:  DefaultServerAddress,
		BasePath: DefaultBasePath,
	}
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("failed to read server config: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, nil
	}

	// JSON documents are valid YAML.
	var file serverFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse server config %s: %w", path, err)
	}
	if file.Server.Port > 0 {
		cfg.Port = file.Server.Port
	}
	if addr := strings.TrimSpace(file.Server.Address); addr != "" {
		cfg.Address = addr
	}
	if bp := strings.TrimSpace(file.Server.BasePath); bp != "" {
		cfg.BasePath = bp
	} else if bp := strings.TrimSpace(file.Server.BasePathAlt); bp != "" {
		cfg.BasePath = bp
	}
	return cfg, nil
}

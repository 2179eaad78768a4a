package instances

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Binary describes a discovered automation server installation.
type Binary struct {
	ExecutablePath string
	Version        string
	Supported      bool
}

// BinaryLocator finds the automation server to launch.
type BinaryLocator interface {
	Locate(ctx context.Context) (Binary, error)
}

// HomeResolver picks the home directory handed to the automation server.
type HomeResolver interface {
	Resolve() (string, error)
}

// StaticBinary is a BinaryLocator for a configured entry point. Only
// existing files are supported.
type StaticBinary struct {
	Path    string
	Version string
}

func (s StaticBinary) Locate(ctx context.Context) (Binary, error) {
	if strings.TrimSpace(s.Path) == "" {
		return Binary{}, errors.New("no automation server entry point configured")
	}
	info, err := os.Stat(s.Path)
	if err != nil {
		return Binary{ExecutablePath: s.Path, Version: s.Version}, fmt.Errorf("failed to stat entry point: %w", err)
	}
	return Binary{
		ExecutablePath: s.Path,
		Version:        s.Version,
		Supported:      !info.IsDir() && supportedVersion(s.Version),
	}, nil
}

// supportedVersion accepts 2.x and later; an unknown version is trusted.
func supportedVersion(version string) bool {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	if version == "" {
		return true
	}
	return !strings.HasPrefix(version, "0.") && !strings.HasPrefix(version, "1.")
}

// StaticHome resolves to a fixed directory, falling back to ~/.appium.
type StaticHome string

func (h StaticHome) Resolve() (string, error) {
	if dir := strings.TrimSpace(string(h)); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".appium"), nil
}

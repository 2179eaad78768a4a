package processes

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// LaunchConfig describes one automation server run behind the proxy.
type LaunchConfig struct {
	EntryPoint string // Path to the automation server's main module or executable.
	HomePath   string
	ConfigPath string
	Port       int // Internal port; the server is never exposed directly.
	BasePath   string
	Logger     *slog.Logger
}

// AutomationServerLauncher starts an automation server under supervision.
type AutomationServerLauncher interface {
	Name() string
	Start(ctx context.Context, cfg LaunchConfig, handler Handler) (*Supervisor, error)
}

// serverArgs are the arguments common to every launcher.
func serverArgs(cfg LaunchConfig) []string {
	args := []string{
		"server",
		"--port", strconv.Itoa(cfg.Port),
		"--address", "127.0.0.1",
	}
	if cfg.BasePath != "" && cfg.BasePath != "/" {
		args = append(args, "--base-path", cfg.BasePath)
	}
	if cfg.ConfigPath != "" {
		args = append(args, "--config", cfg.ConfigPath)
	}
	return args
}

func homeEnv(cfg LaunchConfig) []string {
	if cfg.HomePath == "" {
		return nil
	}
	return []string{"APPIUM_HOME=" + cfg.HomePath}
}

func validateLaunchConfig(cfg LaunchConfig) error {
	if cfg.EntryPoint == "" {
		return fmt.Errorf("launch config: entry point is required")
	}
	if !validPort(cfg.Port) {
		return fmt.Errorf("launch config: invalid port %d", cfg.Port)
	}
	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// AppiumLauncher runs the server's JavaScript entry point with node.
type AppiumLauncher struct {
	NodePath string // Defaults to "node" on PATH.
}

func (l AppiumLauncher) Name() string { return "node" }

func (l AppiumLauncher) Command(cfg LaunchConfig) (string, []string) {
	node := l.NodePath
	if node == "" {
		node = "node"
	}
	return node, append([]string{cfg.EntryPoint}, serverArgs(cfg)...)
}

func (l AppiumLauncher) Start(ctx context.Context, cfg LaunchConfig, handler Handler) (*Supervisor, error) {
	if err := validateLaunchConfig(cfg); err != nil {
		return nil, err
	}
	path, args := l.Command(cfg)
	return startServer(ctx, path, args, cfg, handler), nil
}

// ExecutableLauncher runs an entry point that is itself executable.
type ExecutableLauncher struct{}

func (ExecutableLauncher) Name() string { return "exec" }

func (ExecutableLauncher) Command(cfg LaunchConfig) (string, []string) {
	return cfg.EntryPoint, serverArgs(cfg)
}

func (l ExecutableLauncher) Start(ctx context.Context, cfg LaunchConfig, handler Handler) (*Supervisor, error) {
	if err := validateLaunchConfig(cfg); err != nil {
		return nil, err
	}
	path, args := l.Command(cfg)
	return startServer(ctx, path, args, cfg, handler), nil
}

func startServer(ctx context.Context, path string, args []string, cfg LaunchConfig, handler Handler) *Supervisor {
	s := NewSupervisor(Options{
		Name:   "automation-server",
		Path:   path,
		Args:   args,
		Env:    homeEnv(cfg),
		Logger: cfg.Logger,
	}, handler, nil)
	s.Start(ctx)
	return s
}

// SelectLauncher picks the launcher for a launcher version string. "exec"
// selects ExecutableLauncher; anything else, including the empty string and
// node versions such as "2.x", runs through node.
func SelectLauncher(version string) AutomationServerLauncher {
	switch strings.ToLower(strings.TrimSpace(version)) {
	case "exec", "executable", "binary":
		return ExecutableLauncher{}
	default:
		return AppiumLauncher{}
	}
}

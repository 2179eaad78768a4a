package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/appiumhub/config"
	"github.com/tomyedwab/appiumhub/instances"
	"github.com/tomyedwab/appiumhub/internal/handlers"
	"github.com/tomyedwab/appiumhub/journal"
	"github.com/tomyedwab/appiumhub/processes"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "controller config file (default $XDG_CONFIG_HOME/appiumhub/config.toml)")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := serveConfigPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return fmt.Errorf("failed to resolve config path: %w", err)
		}
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.SlogLevel())
	logger.Info("Starting appiumhub controller", "config", path)

	j, err := journal.OpenMemory()
	if err != nil {
		return err
	}
	defer j.Close()

	minPort, maxPort := cfg.InternalPortRange()
	ports, err := processes.NewPortPool(minPort, maxPort)
	if err != nil {
		return err
	}

	manager, err := instances.NewManager(instances.Options{
		Locator:         instances.StaticBinary{Path: cfg.Appium.EntryPoint, Version: cfg.Appium.Version},
		Home:            instances.StaticHome(cfg.Appium.Home),
		Ports:           ports,
		Journal:         j,
		LauncherVersion: cfg.Appium.Launcher,
		InjectMjpegPort: cfg.Proxy.InjectMjpegPort,
		CertFile:        cfg.Proxy.CertFile,
		KeyFile:         cfg.Proxy.KeyFile,
		ShutdownGrace:   cfg.ShutdownGrace(),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	changes := handlers.NewChangeNotifier()
	manager.AddListener(changes)
	api := &handlers.API{
		Manager:       manager,
		Health:        processes.NewHTTPStatusChecker(cfg.StatusTimeout()),
		Changes:       changes,
		EventsLimit:   cfg.EventsLimit(),
		AllowedOrigin: cfg.API.AllowedOrigin,
		Logger:        logger,
	}
	server := &http.Server{
		Addr:              cfg.APIAddress(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Controller API listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Controller API failed", "error", err)
		}
	}

	// Leave room for each instance's SIGINT to SIGKILL escalation.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace()+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Controller API did not shut down cleanly", "error", err)
	}
	if err := manager.StopAll(shutdownCtx); err != nil {
		logger.Warn("Some server instances did not stop in time", "error", err)
	}
	logger.Info("Controller stopped")
	return nil
}

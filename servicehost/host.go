// Package servicehost is the proxy host: the child program that runs one
// automation server and fronts it with the protocol interceptor.
package servicehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tomyedwab/appiumhub/httpsproxy"
	"github.com/tomyedwab/appiumhub/ipc"
	"github.com/tomyedwab/appiumhub/processes"
	"github.com/tomyedwab/appiumhub/types"
)

// ErrServerExited is returned when the automation server exits before it
// became ready.
var ErrServerExited = errors.New("automation server exited before becoming ready")

const defaultShutdownTimeout = 5 * time.Second

// Options holds the collaborators of Run. Every field is optional.
type Options struct {
	Launcher        processes.AutomationServerLauncher // Defaults to SelectLauncher(spec.LauncherVersion).
	Sender          ipc.Sender                         // Defaults to the inherited IPC channel.
	AllocatePort    func() (int, error)                // Used for MJPEG port injection.
	Stdout          io.Writer
	Stderr          io.Writer
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
}

// syncWriter serialises the stdout and stderr pumps onto one writer.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Run starts the automation server, waits for its readiness marker, serves
// the interceptor and returns once the automation server has exited.
// Cancelling ctx stops the automation server.
func Run(ctx context.Context, spec types.LaunchSpec, opts Options) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ProxyHost", "externalPort", spec.ExternalPort, "internalPort", spec.InternalPort)

	stdout := &syncWriter{w: orDefault(opts.Stdout, os.Stdout)}
	stderr := &syncWriter{w: orDefault(opts.Stderr, os.Stderr)}

	sender := opts.Sender
	if sender == nil {
		sender = ipc.OpenChildSender(logger)
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = processes.SelectLauncher(spec.LauncherVersion)
	}
	allocate := opts.AllocatePort
	if allocate == nil {
		allocate = processes.FreePort
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	var patchers []httpsproxy.RequestPatcher
	if spec.InjectMjpegPort {
		patchers = append(patchers, httpsproxy.MjpegPortPatcher{
			BasePath: spec.BasePath,
			Allocate: allocate,
			Logger:   logger,
		})
	}
	interceptor := httpsproxy.NewInterceptor(httpsproxy.Options{
		ListenAddr:   net.JoinHostPort(spec.Address, strconv.Itoa(spec.ExternalPort)),
		InternalPort: spec.InternalPort,
		BasePath:     spec.BasePath,
		CertFile:     spec.CertFile,
		KeyFile:      spec.KeyFile,
		Patchers:     patchers,
		Sender:       sender,
		Logger:       logger,
	})

	detector := httpsproxy.NewReadinessDetector(httpsproxy.ReadyMarker)
	ready := make(chan struct{})
	relay := func(w io.Writer) func([]byte) string {
		return func(chunk []byte) string {
			w.Write(chunk)
			if detector.Observe(chunk) {
				close(ready)
			}
			return ""
		}
	}

	fmt.Fprintf(stdout, "* Starting automation server with home %s using the %s launcher\n", spec.HomePath, launcher.Name())
	sup, err := launcher.Start(ctx, processes.LaunchConfig{
		EntryPoint: spec.EntryPoint,
		HomePath:   spec.HomePath,
		ConfigPath: spec.ConfigPath,
		Port:       spec.InternalPort,
		BasePath:   spec.BasePath,
		Logger:     logger,
	}, processes.Handler{
		OnStdout: relay(stdout),
		OnStderr: relay(stderr),
		OnError: func(err error) string {
			fmt.Fprintf(stderr, "Failed to start automation server: %v\n", err)
			return ""
		},
	})
	if err != nil {
		return fmt.Errorf("failed to launch automation server: %w", err)
	}

	select {
	case <-ready:
	case <-sup.Done():
		if !detector.Ready() {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrServerExited
		}
	}

	if err := interceptor.Start(); err != nil {
		logger.Error("Failed to start interceptor, stopping automation server", "error", err)
		sup.Stop()
		<-sup.Done()
		return err
	}
	logger.Info("Protocol interceptor ready", "address", spec.DisplayAddress())

	<-sup.Done()
	logger.Info("Automation server exited, stopping interceptor")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := interceptor.Stop(shutdownCtx); err != nil {
		logger.Warn("Interceptor did not shut down cleanly", "error", err)
	}
	return nil
}

func orDefault(w io.Writer, def io.Writer) io.Writer {
	if w == nil {
		return def
	}
	return w
}

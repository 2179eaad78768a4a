package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomyedwab/appiumhub/servicehost"
	"github.com/tomyedwab/appiumhub/types"
)

var (
	proxySpec     types.LaunchSpec
	proxyLogLevel string
)

// proxyCmd is the proxy host spawned by the controller, one per instance.
var proxyCmd = &cobra.Command{
	Use:    "proxy",
	Short:  "Run one automation server behind the protocol interceptor",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(proxyLogLevel)); err != nil {
			level = slog.LevelWarn
		}
		logger := newLogger(os.Stderr, level)

		spec := proxySpec
		spec.BasePath = types.NormalizeBasePath(spec.BasePath)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return servicehost.Run(ctx, spec, servicehost.Options{Logger: logger})
	},
}

func init() {
	f := proxyCmd.Flags()
	f.IntVar(&proxySpec.ExternalPort, "external-port", 0, "port the interceptor binds")
	f.IntVar(&proxySpec.InternalPort, "internal-port", 0, "port the automation server binds")
	f.StringVar(&proxySpec.Address, "address", "0.0.0.0", "interceptor bind address")
	f.StringVar(&proxySpec.BasePath, "base-path", "/", "protocol base path")
	f.StringVar(&proxySpec.ConfigPath, "config-path", "", "automation server config file")
	f.StringVar(&proxySpec.HomePath, "home-path", "", "automation server home directory")
	f.StringVar(&proxySpec.EntryPoint, "entry-point", "", "automation server entry point")
	f.StringVar(&proxySpec.LauncherVersion, "launcher", "", "launcher to use (node or exec)")
	f.BoolVar(&proxySpec.InjectMjpegPort, "inject-mjpeg-port", false, "add appium:mjpegServerPort to new sessions")
	f.StringVar(&proxySpec.CertFile, "cert-file", "", "TLS certificate for the interceptor")
	f.StringVar(&proxySpec.KeyFile, "key-file", "", "TLS key for the interceptor")
	f.StringVar(&proxyLogLevel, "log-level", "warn", "log level")
}

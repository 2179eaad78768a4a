package types

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var ErrInvalidLaunchSpec = errors.New("invalid launch spec")

// LaunchSpec is the immutable configuration of one proxied automation server.
// It is built once by the controller, rendered onto the proxy host command
// line with Args and parsed back on the other side.
type LaunchSpec struct {
	ExternalPort    int    // Port advertised to clients; the interceptor binds it.
	InternalPort    int    // Port the automation server actually binds.
	Address         string // Bind address for the interceptor.
	BasePath        string // Protocol base path, always starts with "/".
	ConfigPath      string // Automation server configuration file.
	HomePath        string // Home/working directory for the automation server.
	EntryPoint      string // Automation server entry point (script or executable).
	LauncherVersion string // Selects the AutomationServerLauncher.
	InjectMjpegPort bool   // Fill in appium:mjpegServerPort on new sessions.
	CertFile        string // Optional TLS certificate for the interceptor.
	KeyFile         string // Optional TLS key for the interceptor.
}

// Validate checks that every required field is present and sane.
func (s LaunchSpec) Validate() error {
	if !validPort(s.ExternalPort) {
		return fmt.Errorf("%w: external port %d", ErrInvalidLaunchSpec, s.ExternalPort)
	}
	if !validPort(s.InternalPort) {
		return fmt.Errorf("%w: internal port %d", ErrInvalidLaunchSpec, s.InternalPort)
	}
	if s.ExternalPort == s.InternalPort {
		return fmt.Errorf("%w: external and internal port are both %d", ErrInvalidLaunchSpec, s.ExternalPort)
	}
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("%w: missing address", ErrInvalidLaunchSpec)
	}
	if !strings.HasPrefix(s.BasePath, "/") {
		return fmt.Errorf("%w: base path %q must start with /", ErrInvalidLaunchSpec, s.BasePath)
	}
	if s.ConfigPath == "" || s.HomePath == "" || s.EntryPoint == "" {
		return fmt.Errorf("%w: config path, home path and entry point are required", ErrInvalidLaunchSpec)
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return fmt.Errorf("%w: cert file and key file must be given together", ErrInvalidLaunchSpec)
	}
	return nil
}

// TLS reports whether the interceptor should terminate TLS.
func (s LaunchSpec) TLS() bool {
	return s.CertFile != "" && s.KeyFile != ""
}

// DisplayAddress is the address clients should use to reach the interceptor.
func (s LaunchSpec) DisplayAddress() string {
	host := s.Address
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	addr := host + ":" + strconv.Itoa(s.ExternalPort)
	if s.BasePath != "/" {
		addr += s.BasePath
	}
	return addr
}

// Args renders the launch spec as proxy host flags.
func (s LaunchSpec) Args() []string {
	args := []string{
		"--external-port", strconv.Itoa(s.ExternalPort),
		"--internal-port", strconv.Itoa(s.InternalPort),
		"--address", s.Address,
		"--base-path", s.BasePath,
		"--config-path", s.ConfigPath,
		"--home-path", s.HomePath,
		"--entry-point", s.EntryPoint,
	}
	if s.LauncherVersion != "" {
		args = append(args, "--launcher", s.LauncherVersion)
	}
	if s.InjectMjpegPort {
		args = append(args, "--inject-mjpeg-port")
	}
	if s.TLS() {
		args = append(args, "--cert-file", s.CertFile, "--key-file", s.KeyFile)
	}
	return args
}

// NormalizeBasePath cleans a configured base path so that it always starts
// with "/" and never ends with one, except for the root path itself.
func NormalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return path.Clean(basePath)
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

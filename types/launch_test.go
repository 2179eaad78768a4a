package types

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() LaunchSpec {
	return LaunchSpec{
		ExternalPort: 4723,
		InternalPort: 41234,
		Address:      "0.0.0.0",
		BasePath:     "/wd/hub",
		ConfigPath:   "/tmp/.appiumrc.json",
		HomePath:     "/tmp/appium-home",
		EntryPoint:   "/usr/lib/node_modules/appium/index.js",
	}
}

func TestLaunchSpecValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*LaunchSpec)
		valid  bool
	}{
		{"valid", func(s *LaunchSpec) {}, true},
		{"zero external port", func(s *LaunchSpec) { s.ExternalPort = 0 }, false},
		{"internal port out of range", func(s *LaunchSpec) { s.InternalPort = 70000 }, false},
		{"same ports", func(s *LaunchSpec) { s.InternalPort = s.ExternalPort }, false},
		{"missing address", func(s *LaunchSpec) { s.Address = " " }, false},
		{"relative base path", func(s *LaunchSpec) { s.BasePath = "wd/hub" }, false},
		{"missing entry point", func(s *LaunchSpec) { s.EntryPoint = "" }, false},
		{"cert without key", func(s *LaunchSpec) { s.CertFile = "server.crt" }, false},
		{"cert and key", func(s *LaunchSpec) { s.CertFile, s.KeyFile = "server.crt", "server.key" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			err := spec.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidLaunchSpec))
			}
		})
	}
}

func TestLaunchSpecArgs(t *testing.T) {
	spec := validSpec()
	spec.InjectMjpegPort = true
	spec.LauncherVersion = "2"

	args := spec.Args()
	assert.Equal(t, []string{
		"--external-port", "4723",
		"--internal-port", "41234",
		"--address", "0.0.0.0",
		"--base-path", "/wd/hub",
		"--config-path", "/tmp/.appiumrc.json",
		"--home-path", "/tmp/appium-home",
		"--entry-point", "/usr/lib/node_modules/appium/index.js",
		"--launcher", "2",
		"--inject-mjpeg-port",
	}, args)
}

func TestDisplayAddress(t *testing.T) {
	spec := validSpec()
	assert.Equal(t, "127.0.0.1:4723/wd/hub", spec.DisplayAddress())

	spec.Address = "192.168.1.20"
	spec.BasePath = "/"
	assert.Equal(t, "192.168.1.20:4723", spec.DisplayAddress())
}

func TestNormalizeBasePath(t *testing.T) {
	assert.Equal(t, "/", NormalizeBasePath(""))
	assert.Equal(t, "/", NormalizeBasePath("/"))
	assert.Equal(t, "/wd/hub", NormalizeBasePath("wd/hub/"))
	assert.Equal(t, "/wd/hub", NormalizeBasePath(" /wd/hub "))
}

package instances

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/appiumhub/journal"
	"github.com/tomyedwab/appiumhub/processes"
)

// fakeHost stands in for the proxy host: it reports a session over the IPC
// channel, prints the readiness marker with the internal port ($4) and idles.
const fakeHost = `#!/bin/sh
echo '{"event":"session-started","data":{"value":{"sessionId":"s1","capabilities":{"platformName":"Android"}}}}' >&3
echo '{"event":"session-command","data":{"sessionId":"s1","response":{"value":"Home"},"url":"/wd/hub/session/s1/title","path":"/wd/hub/session/s1/title","method":"GET"}}' >&3
echo "[Appium] http interface listener started on http://127.0.0.1:$4"
exec sleep 30
`

type refreshCounter struct {
	mu    sync.Mutex
	calls int
}

func (r *refreshCounter) OnNeedsRefresh(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
}

func (r *refreshCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func writeExecutable(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "host.sh")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	return path
}

func writeServerConfig(t *testing.T, port int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "appium.yaml")
	content := fmt.Sprintf("server:\n  port: %d\n  address: 127.0.0.1\n  base-path: /wd/hub\n", port)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestManager(t *testing.T, host string) (*Manager, *journal.Journal) {
	t.Helper()
	ports, err := processes.NewPortPool(41200, 41299)
	require.NoError(t, err)
	j, err := journal.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	m, err := NewManager(Options{
		HostPath:      host,
		HostArgs:      []string{},
		Locator:       StaticBinary{Path: host},
		Home:          StaticHome(t.TempDir()),
		Ports:         ports,
		Journal:       j,
		ShutdownGrace: time.Second,
	})
	require.NoError(t, err)
	return m, j
}

func TestManagerLaunchLifecycle(t *testing.T) {
	host := writeExecutable(t, fakeHost)
	m, j := newTestManager(t, host)
	counter := &refreshCounter{}
	m.AddListener(counter)

	external, err := processes.FreePort()
	require.NoError(t, err)
	si, err := m.Launch(context.Background(), LaunchRequest{ConfigPath: writeServerConfig(t, external)})
	require.NoError(t, err)

	assert.Equal(t, external, si.Spec.ExternalPort)
	assert.Equal(t, "/wd/hub", si.Spec.BasePath)
	assert.GreaterOrEqual(t, si.Spec.InternalPort, 41200)

	require.Eventually(t, func() bool {
		return si.State() == processes.StateRunning
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		s, ok := si.Registry.Session("s1")
		return ok && len(s.Logs) == 1
	}, 5*time.Second, 20*time.Millisecond)
	s, _ := si.Registry.Session("s1")
	assert.True(t, s.Running)
	assert.Equal(t, "Android", s.Capabilities["platformName"])
	assert.Equal(t, "Get Title", s.Logs[0].CommandName)

	// The terminal shows the client-facing port.
	require.Eventually(t, func() bool {
		return strings.Contains(si.Terminal.History(), fmt.Sprintf("127.0.0.1:%d", external))
	}, 5*time.Second, 20*time.Millisecond)
	assert.NotContains(t, si.Terminal.History(), fmt.Sprintf("127.0.0.1:%d", si.Spec.InternalPort))

	entries, err := j.ForServer(si.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	got, err := m.Get(si.ID)
	require.NoError(t, err)
	assert.Same(t, si, got)
	assert.Len(t, m.List(), 1)

	require.NoError(t, m.Stop(si.ID))
	select {
	case <-si.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("instance did not stop")
	}
	require.Eventually(t, func() bool {
		return si.State() == processes.StateStopped
	}, 5*time.Second, 20*time.Millisecond)

	s, _ = si.Registry.Session("s1")
	assert.False(t, s.Running)
	assert.NotNil(t, s.EndTime)
	assert.Greater(t, counter.count(), 2)
	assert.False(t, m.opts.Ports.Leased(si.Spec.InternalPort))

	info := si.Info()
	assert.Equal(t, 1, info.Sessions)
	assert.Equal(t, 0, info.RunningSessions)
}

func TestManagerRejectsPortInUse(t *testing.T) {
	host := writeExecutable(t, fakeHost)
	m, _ := newTestManager(t, host)

	external, err := processes.FreePort()
	require.NoError(t, err)
	cfg := writeServerConfig(t, external)

	si, err := m.Launch(context.Background(), LaunchRequest{ConfigPath: cfg})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.StopAll(ctx)
	})

	_, err = m.Launch(context.Background(), LaunchRequest{ConfigPath: cfg})
	assert.ErrorIs(t, err, ErrPortInUse)

	assert.Len(t, m.List(), 1)
	assert.Equal(t, si.ID, m.List()[0].ID)
}

func TestManagerRequestOverridesConfig(t *testing.T) {
	host := writeExecutable(t, fakeHost)
	m, _ := newTestManager(t, host)

	configured, err := processes.FreePort()
	require.NoError(t, err)
	override, err := processes.FreePort()
	require.NoError(t, err)

	si, err := m.Launch(context.Background(), LaunchRequest{
		ConfigPath: writeServerConfig(t, configured),
		Port:       override,
		BasePath:   "custom/",
	})
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, m.StopAll(ctx))
	}()

	assert.Equal(t, override, si.Spec.ExternalPort)
	assert.Equal(t, "/custom", si.Spec.BasePath)
}

func TestManagerHostExitsImmediately(t *testing.T) {
	host := writeExecutable(t, "#!/bin/sh\necho 'boom'\nexit 3\n")
	m, _ := newTestManager(t, host)

	external, err := processes.FreePort()
	require.NoError(t, err)
	si, err := m.Launch(context.Background(), LaunchRequest{ConfigPath: writeServerConfig(t, external)})
	require.NoError(t, err)

	select {
	case <-si.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("instance did not complete")
	}
	require.Eventually(t, func() bool {
		return si.State() == processes.StateStopped
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, si.Registry.Sessions())
}

func TestManagerUnsupportedBinary(t *testing.T) {
	host := writeExecutable(t, fakeHost)
	m, _ := newTestManager(t, host)
	m.opts.Locator = StaticBinary{Path: host, Version: "1.22.3"}

	_, err := m.Launch(context.Background(), LaunchRequest{ConfigPath: writeServerConfig(t, 4723)})
	assert.ErrorIs(t, err, ErrUnsupportedBinary)
}

func TestManagerGetUnknown(t *testing.T) {
	m, _ := newTestManager(t, writeExecutable(t, fakeHost))
	_, err := m.Get("nope")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	assert.ErrorIs(t, m.Stop("nope"), ErrInstanceNotFound)
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(Options{})
	assert.Error(t, err)

	_, err = NewManager(Options{Locator: StaticBinary{Path: "/bin/sh"}})
	assert.Error(t, err)
}

func TestStaticBinary(t *testing.T) {
	_, err := StaticBinary{}.Locate(context.Background())
	assert.Error(t, err)

	_, err = StaticBinary{Path: "/definitely/missing"}.Locate(context.Background())
	assert.Error(t, err)

	bin, err := StaticBinary{Path: "/bin/sh", Version: "2.5.1"}.Locate(context.Background())
	require.NoError(t, err)
	assert.True(t, bin.Supported)

	bin, err = StaticBinary{Path: t.TempDir()}.Locate(context.Background())
	require.NoError(t, err)
	assert.False(t, bin.Supported, "a directory is not runnable")
}

func TestSupportedVersion(t *testing.T) {
	assert.True(t, supportedVersion(""))
	assert.True(t, supportedVersion("2.0.0"))
	assert.True(t, supportedVersion("v3.1"))
	assert.False(t, supportedVersion("1.22.3"))
	assert.False(t, supportedVersion("0.9"))
}

func TestStaticHome(t *testing.T) {
	dir, err := StaticHome("/srv/appium").Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/srv/appium", dir)

	dir, err = StaticHome("").Resolve()
	require.NoError(t, err)
	assert.Equal(t, ".appium", filepath.Base(dir))
}

func TestManagerCloseTerminalStopsInstance(t *testing.T) {
	host := writeExecutable(t, fakeHost)
	m, _ := newTestManager(t, host)

	external, err := processes.FreePort()
	require.NoError(t, err)
	si, err := m.Launch(context.Background(), LaunchRequest{ConfigPath: writeServerConfig(t, external)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return si.State() == processes.StateRunning
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, m.CloseTerminal(si.ID))
	select {
	case <-si.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("closing the terminal did not stop the instance")
	}
	assert.Contains(t, si.Terminal.History(), "Process stopped")
}

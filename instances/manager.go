// Package instances owns the server instances of the controller: one proxy
// host process per instance, its IPC receiver, session registry and
// terminal.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomyedwab/appiumhub/config"
	"github.com/tomyedwab/appiumhub/httpsproxy"
	"github.com/tomyedwab/appiumhub/ipc"
	"github.com/tomyedwab/appiumhub/journal"
	"github.com/tomyedwab/appiumhub/processes"
	"github.com/tomyedwab/appiumhub/sessions"
	"github.com/tomyedwab/appiumhub/terminal"
	"github.com/tomyedwab/appiumhub/types"
)

var (
	ErrInstanceNotFound  = errors.New("server instance not found")
	ErrPortInUse         = errors.New("port already in use")
	ErrUnsupportedBinary = errors.New("unsupported automation server binary")
)

const (
	defaultHistorySize   = 2000
	receiverDrainTimeout = 2 * time.Second
)

// Options configures a Manager.
type Options struct {
	HostPath string   // Proxy host executable. Defaults to the running binary.
	HostArgs []string // Arguments placed before the launch flags. Defaults to ["proxy"].

	Locator BinaryLocator
	Home    HomeResolver
	Ports   *processes.PortPool
	Journal *journal.Journal // Optional.

	LauncherVersion string
	InjectMjpegPort bool
	CertFile        string
	KeyFile         string

	ShutdownGrace time.Duration
	HistorySize   int
	Logger        *slog.Logger
}

// LaunchRequest asks for a new server instance. Zero fields fall back to the
// automation server configuration file and its defaults.
type LaunchRequest struct {
	ConfigPath string `json:"configPath"`
	Port       int    `json:"port,omitempty"`
	Address    string `json:"address,omitempty"`
	BasePath   string `json:"basePath,omitempty"`
}

// Manager keeps track of all server instances.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	instances map[string]*ServerInstance
	listeners []sessions.Listener
}

// NewManager validates opts and creates a Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Locator == nil {
		return nil, errors.New("a binary locator is required")
	}
	if opts.Home == nil {
		opts.Home = StaticHome("")
	}
	if opts.Ports == nil {
		return nil, errors.New("a port manager is required")
	}
	if opts.HostPath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate proxy host executable: %w", err)
		}
		opts.HostPath = exe
	}
	if opts.HostArgs == nil {
		opts.HostArgs = []string{"proxy"}
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With("component", "InstanceManager"),
		instances: make(map[string]*ServerInstance),
	}, nil
}

// AddListener registers l for changes of any instance or its sessions.
func (m *Manager) AddListener(l sessions.Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// OnNeedsRefresh fans registry notifications out to the manager listeners.
func (m *Manager) OnNeedsRefresh(serverID string) {
	m.mu.Lock()
	listeners := append([]sessions.Listener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnNeedsRefresh(serverID)
	}
}

// Journal returns the event journal, which may be nil.
func (m *Manager) Journal() *journal.Journal {
	return m.opts.Journal
}

// Launch starts a proxy host for a new server instance. The instance keeps
// running after ctx ends; ctx only bounds the preparation steps.
func (m *Manager) Launch(ctx context.Context, req LaunchRequest) (*ServerInstance, error) {
	bin, err := m.opts.Locator.Locate(ctx)
	if err != nil {
		return nil, err
	}
	if !bin.Supported {
		return nil, fmt.Errorf("%w: %s (version %q)", ErrUnsupportedBinary, bin.ExecutablePath, bin.Version)
	}
	home, err := m.opts.Home.Resolve()
	if err != nil {
		return nil, err
	}

	serverCfg, err := config.ReadServerConfig(req.ConfigPath)
	if err != nil {
		return nil, err
	}
	external := serverCfg.Port
	if req.Port > 0 {
		external = req.Port
	}
	address := serverCfg.Address
	if req.Address != "" {
		address = req.Address
	}
	basePath := serverCfg.BasePath
	if req.BasePath != "" {
		basePath = req.BasePath
	}

	if err := m.checkExternalPort(address, external); err != nil {
		return nil, err
	}
	internal, err := m.opts.Ports.Acquire()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate internal port: %w", err)
	}

	spec := types.LaunchSpec{
		ExternalPort:    external,
		InternalPort:    internal,
		Address:         address,
		BasePath:        types.NormalizeBasePath(basePath),
		ConfigPath:      req.ConfigPath,
		HomePath:        home,
		EntryPoint:      bin.ExecutablePath,
		LauncherVersion: m.opts.LauncherVersion,
		InjectMjpegPort: m.opts.InjectMjpegPort,
		CertFile:        m.opts.CertFile,
		KeyFile:         m.opts.KeyFile,
	}
	if err := spec.Validate(); err != nil {
		m.opts.Ports.Release(internal)
		return nil, err
	}

	si, err := m.start(spec)
	if err != nil {
		m.opts.Ports.Release(internal)
		return nil, err
	}
	return si, nil
}

func (m *Manager) checkExternalPort(address string, port int) error {
	m.mu.Lock()
	for _, si := range m.instances {
		if si.Spec.ExternalPort == port && si.State() != processes.StateStopped {
			m.mu.Unlock()
			return fmt.Errorf("%w: %d is used by server %s", ErrPortInUse, port, si.ID)
		}
	}
	m.mu.Unlock()
	if !processes.IsPortFree(address, port) {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	return nil
}

func (m *Manager) start(spec types.LaunchSpec) (*ServerInstance, error) {
	parentEnd, childEnd, err := ipc.NewPipe()
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	logger := m.logger.With("serverId", id)
	si := &ServerInstance{
		ID:           id,
		Spec:         spec,
		CreatedAt:    time.Now(),
		Registry:     sessions.NewRegistry(id, spec.BasePath, m.opts.Logger),
		Terminal:     terminal.NewHub(m.opts.HistorySize, m.opts.Logger),
		state:        processes.StateStopped,
		receiverDone: make(chan struct{}),
		logger:       logger,
	}
	si.Registry.AddListener(m)

	var closeChild sync.Once
	closeChildEnd := func() { closeChild.Do(func() { childEnd.Close() }) }

	detector := httpsproxy.NewReadinessDetector(httpsproxy.ReadyMarker)
	rewriter := httpsproxy.NewPortRewriter(spec.InternalPort, spec.ExternalPort)
	args := append(append([]string(nil), m.opts.HostArgs...), spec.Args()...)
	si.supervisor = processes.NewSupervisor(processes.Options{
		Name:                   "proxy-host-" + id,
		Path:                   m.opts.HostPath,
		Args:                   args,
		Env:                    []string{ipc.ChildEnv(0)},
		ExtraFiles:             []*os.File{childEnd},
		UsePTY:                 true,
		KillOnTerminalClosed:   true,
		KillOnUserInput:        true,
		GracefulShutdownPeriod: m.opts.ShutdownGrace,
		Logger:                 m.opts.Logger,
	}, processes.Handler{
		OnStarted: func(pid int) {
			// The child holds its own copy now.
			closeChildEnd()
			si.mu.Lock()
			si.pid = pid
			si.mu.Unlock()
		},
		OnStdout: func(chunk []byte) string {
			if detector.Observe(chunk) {
				if si.advance(processes.StateRunning) {
					logger.Info("Server instance ready", "address", spec.DisplayAddress())
					m.OnNeedsRefresh(id)
				}
			}
			return rewriter.Rewrite(string(chunk))
		},
		OnOutputDone: rewriter.Flush,
		OnError: func(err error) string {
			closeChildEnd()
			logger.Error("Failed to start proxy host", "error", err)
			return fmt.Sprintf("Failed to start server: %v\r\n", err)
		},
		OnComplete: func() {
			closeChildEnd()
			m.onExit(si, parentEnd)
		},
	}, si.Terminal)
	si.Terminal.SetInputHandler(si.supervisor.HandleInput)
	si.Terminal.SetCloseHandler(si.supervisor.Close)

	m.mu.Lock()
	m.instances[id] = si
	m.mu.Unlock()

	go m.receive(si, parentEnd)

	si.advance(processes.StateStarting)
	si.supervisor.Write(fmt.Sprintf("* Starting server on %s", spec.DisplayAddress()))
	logger.Info("Launching server instance", "externalPort", spec.ExternalPort, "internalPort", spec.InternalPort, "basePath", spec.BasePath)
	si.supervisor.Start(context.Background())
	m.OnNeedsRefresh(id)
	return si, nil
}

// receive applies every IPC event of one instance, recording it first.
func (m *Manager) receive(si *ServerInstance, parentEnd *os.File) {
	defer close(si.receiverDone)
	receiver := ipc.NewReceiver(parentEnd, si.logger)
	err := receiver.Run(context.Background(), func(ev ipc.Event) {
		if m.opts.Journal != nil {
			if _, err := m.opts.Journal.Record(si.ID, ev); err != nil {
				si.logger.Warn("Failed to record event", "event", ev.Type(), "error", err)
			}
		}
		si.Registry.Apply(ev)
	})
	if err != nil {
		si.logger.Warn("IPC receiver stopped", "error", err)
	}
}

func (m *Manager) onExit(si *ServerInstance, parentEnd *os.File) {
	// Events written just before the exit are still in the pipe.
	select {
	case <-si.receiverDone:
	case <-time.After(receiverDrainTimeout):
		si.logger.Warn("IPC channel still open after exit, closing")
	}
	parentEnd.Close()

	si.advance(processes.StateStopped)
	si.Terminal.Close()
	si.Registry.ServerExited()
	m.opts.Ports.Release(si.Spec.InternalPort)
	si.logger.Info("Server instance stopped")
	m.OnNeedsRefresh(si.ID)
}

// Get returns the instance with id.
func (m *Manager) Get(id string) (*ServerInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	si, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return si, nil
}

// List returns all instances, oldest first.
func (m *Manager) List() []*ServerInstance {
	m.mu.Lock()
	out := make([]*ServerInstance, 0, len(m.instances))
	for _, si := range m.instances {
		out = append(out, si)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stop asks the instance's proxy host to exit. It returns immediately; use
// ServerInstance.Done to wait.
func (m *Manager) Stop(id string) error {
	si, err := m.Get(id)
	if err != nil {
		return err
	}
	si.logger.Info("Stopping server instance")
	si.supervisor.Stop()
	return nil
}

// CloseTerminal closes the instance terminal, which stops its proxy host.
func (m *Manager) CloseTerminal(id string) error {
	si, err := m.Get(id)
	if err != nil {
		return err
	}
	si.logger.Info("Terminal closed, stopping server instance")
	si.Terminal.Close()
	return nil
}

// StopAll stops every instance and waits for them until ctx ends.
func (m *Manager) StopAll(ctx context.Context) error {
	instances := m.List()
	for _, si := range instances {
		si.supervisor.Stop()
	}
	for _, si := range instances {
		select {
		case <-si.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

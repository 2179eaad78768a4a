package instances

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tomyedwab/appiumhub/processes"
	"github.com/tomyedwab/appiumhub/sessions"
	"github.com/tomyedwab/appiumhub/terminal"
	"github.com/tomyedwab/appiumhub/types"
)

// ServerInstance is one proxied automation server as seen by the controller.
type ServerInstance struct {
	ID        string
	Spec      types.LaunchSpec
	CreatedAt time.Time
	Registry  *sessions.Registry
	Terminal  *terminal.Hub

	supervisor   *processes.Supervisor
	receiverDone chan struct{}
	logger       *slog.Logger

	mu    sync.Mutex
	state processes.ProcessState
	pid   int
}

// Info is the JSON view of a ServerInstance.
type Info struct {
	ID              string                 `json:"id"`
	Address         string                 `json:"address"`
	State           processes.ProcessState `json:"state"`
	ExternalPort    int                    `json:"externalPort"`
	InternalPort    int                    `json:"internalPort"`
	BasePath        string                 `json:"basePath"`
	ConfigPath      string                 `json:"configPath"`
	PID             int                    `json:"pid,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	Sessions        int                    `json:"sessions"`
	RunningSessions int                    `json:"runningSessions"`
}

// advance moves the instance to next when that is a forward transition.
func (si *ServerInstance) advance(next processes.ProcessState) bool {
	si.mu.Lock()
	defer si.mu.Unlock()
	if !si.state.CanAdvanceTo(next) || si.state == next {
		return false
	}
	si.state = next
	return true
}

// State returns the instance state.
func (si *ServerInstance) State() processes.ProcessState {
	si.mu.Lock()
	defer si.mu.Unlock()
	return si.state
}

// Done is closed once the proxy host has exited.
func (si *ServerInstance) Done() <-chan struct{} {
	return si.supervisor.Done()
}

// Address is the address clients should use.
func (si *ServerInstance) Address() string {
	return si.Spec.DisplayAddress()
}

// BaseURL is the client-facing URL including the base path.
func (si *ServerInstance) BaseURL() string {
	scheme := "http://"
	if si.Spec.TLS() {
		scheme = "https://"
	}
	return scheme + si.Address()
}

// Info returns a snapshot for the API.
func (si *ServerInstance) Info() Info {
	si.mu.Lock()
	state, pid := si.state, si.pid
	si.mu.Unlock()
	return Info{
		ID:              si.ID,
		Address:         si.Address(),
		State:           state,
		ExternalPort:    si.Spec.ExternalPort,
		InternalPort:    si.Spec.InternalPort,
		BasePath:        si.Spec.BasePath,
		ConfigPath:      si.Spec.ConfigPath,
		PID:             pid,
		CreatedAt:       si.CreatedAt,
		Sessions:        len(si.Registry.Sessions()),
		RunningSessions: si.Registry.RunningCount(),
	}
}

// Package sessions tracks the automation sessions of one server instance from
// the IPC events its proxy host reports.
package sessions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tomyedwab/appiumhub/ipc"
)

// Listener is notified after any registry mutation.
type Listener interface {
	OnNeedsRefresh(serverID string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(serverID string)

func (f ListenerFunc) OnNeedsRefresh(serverID string) { f(serverID) }

// Registry is the authoritative view of the sessions of one server instance.
// Mutations are serialised; listeners run after the lock is released.
type Registry struct {
	serverID string
	basePath string
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	sessions  map[string]*Session
	listeners []Listener
}

// NewRegistry creates an empty registry for serverID. basePath is used to
// derive command names.
func NewRegistry(serverID, basePath string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		serverID: serverID,
		basePath: basePath,
		logger:   logger.With("component", "SessionRegistry", "serverId", serverID),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// AddListener registers l for change notifications.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Apply folds one IPC event into the registry. It reports whether anything
// changed; listeners are notified only then.
func (r *Registry) Apply(ev ipc.Event) bool {
	r.mu.Lock()
	var changed bool
	switch e := ev.(type) {
	case ipc.SessionStarted:
		changed = r.startLocked(e)
	case ipc.SessionStopped:
		changed = r.stopLocked(e.SessionID)
	case ipc.SessionCommand:
		changed = r.commandLocked(e)
	default:
		r.logger.Debug("Ignoring unknown event", "event", ev)
	}
	listeners := r.snapshotListenersLocked(changed)
	r.mu.Unlock()

	r.notify(listeners)
	return changed
}

func (r *Registry) startLocked(e ipc.SessionStarted) bool {
	id, caps, err := e.Session()
	if err != nil {
		r.logger.Warn("Ignoring malformed session-started event", "error", err)
		return false
	}
	if existing, ok := r.sessions[id]; ok && existing.Running {
		r.logger.Warn("Ignoring duplicate session-started for running session", "sessionId", id)
		return false
	}
	r.sessions[id] = &Session{
		ID:           id,
		ServerID:     r.serverID,
		Capabilities: caps,
		Running:      true,
		StartTime:    r.now(),
		Logs:         []SessionLog{},
	}
	r.logger.Info("Session started", "sessionId", id)
	return true
}

func (r *Registry) stopLocked(id string) bool {
	s, ok := r.sessions[id]
	if !ok || !s.Running {
		return false
	}
	end := r.now()
	s.Running = false
	s.EndTime = &end
	r.logger.Info("Session stopped", "sessionId", id, "commands", len(s.Logs))
	return true
}

func (r *Registry) commandLocked(e ipc.SessionCommand) bool {
	if e.SessionID == nil {
		return false
	}
	s, ok := r.sessions[*e.SessionID]
	if !ok || !s.Running {
		return false
	}
	s.Logs = append(s.Logs, NewCommandLog(e, r.basePath, r.now()))
	return true
}

// ServerExited marks every running session as stopped after an abrupt exit of
// the automation server. End times are left unset.
func (r *Registry) ServerExited() {
	r.mu.Lock()
	count := 0
	for _, s := range r.sessions {
		if s.Running {
			s.Running = false
			count++
		}
	}
	if count > 0 {
		r.logger.Info("Server exited with running sessions", "sessions", count)
	}
	listeners := r.snapshotListenersLocked(true)
	r.mu.Unlock()

	r.notify(listeners)
}

func (r *Registry) snapshotListenersLocked(changed bool) []Listener {
	if !changed || len(r.listeners) == 0 {
		return nil
	}
	return append([]Listener(nil), r.listeners...)
}

func (r *Registry) notify(listeners []Listener) {
	for _, l := range listeners {
		l.OnNeedsRefresh(r.serverID)
	}
}

// Sessions returns a snapshot of all sessions ordered by start time.
func (r *Registry) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Session returns a snapshot of one session.
func (r *Registry) Session(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// RunningCount returns the number of running sessions.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sessions {
		if s.Running {
			n++
		}
	}
	return n
}

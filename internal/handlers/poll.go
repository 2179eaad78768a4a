package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tomyedwab/appiumhub/httputils"
)

const defaultPollTimeout = 50 * time.Second

// ChangeNotifier turns registry and instance refresh notifications into a
// version counter that UIs can long-poll.
type ChangeNotifier struct {
	PollTimeout time.Duration

	mu      sync.Mutex
	version int
	changed map[string]int // serverID -> version of its last change
	wake    chan struct{}
}

// PollResponse lists the servers that changed after the polled version.
type PollResponse struct {
	Version int      `json:"version"`
	Servers []string `json:"servers"`
}

func NewChangeNotifier() *ChangeNotifier {
	return &ChangeNotifier{
		PollTimeout: defaultPollTimeout,
		changed:     make(map[string]int),
		wake:        make(chan struct{}),
	}
}

// OnNeedsRefresh bumps the version and wakes every waiting poller.
func (c *ChangeNotifier) OnNeedsRefresh(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.changed[serverID] = c.version
	close(c.wake)
	c.wake = make(chan struct{})
}

// Version returns the current change counter.
func (c *ChangeNotifier) Version() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *ChangeNotifier) since(version int) (PollResponse, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := PollResponse{Version: c.version, Servers: []string{}}
	for id, v := range c.changed {
		if v > version {
			resp.Servers = append(resp.Servers, id)
		}
	}
	return resp, c.wake
}

// HandlePoll handles GET /api/poll?version=N. It answers as soon as the
// version moves past N, or with 304 after the poll timeout.
func (c *ChangeNotifier) HandlePoll(w http.ResponseWriter, r *http.Request) {
	version := 0
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("invalid version %q", raw), http.StatusBadRequest)
			return
		}
		version = v
	}

	expiry := time.NewTimer(c.PollTimeout)
	defer expiry.Stop()
	for {
		resp, wake := c.since(version)
		// A version from before a controller restart is answered at once.
		if resp.Version != version {
			httputils.HandleAPIResponse(w, r, resp, nil, http.StatusOK)
			return
		}
		select {
		case <-wake:
		case <-expiry.C:
			w.WriteHeader(http.StatusNotModified)
			return
		case <-r.Context().Done():
			return
		}
	}
}

// Package handlers implements the controller's HTTP API: server instance
// management, session inspection, the event journal and terminal attach.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tomyedwab/appiumhub/httpsproxy/middleware"
	"github.com/tomyedwab/appiumhub/httputils"
	"github.com/tomyedwab/appiumhub/instances"
	"github.com/tomyedwab/appiumhub/processes"
	"github.com/tomyedwab/appiumhub/types"
)

// API serves the controller endpoints.
type API struct {
	Manager       *instances.Manager
	Health        processes.StatusChecker // Optional; enables ?check=true.
	Changes       *ChangeNotifier         // Optional; enables /api/poll.
	EventsLimit   int
	AllowedOrigin string
	Logger        *slog.Logger
}

// ServerDetail is the response of GET /api/servers/{id}.
type ServerDetail struct {
	instances.Info
	BaseURL string  `json:"baseUrl"`
	Healthy *bool   `json:"healthy,omitempty"`
	Health  *string `json:"healthError,omitempty"`
}

// Handler returns the routed API wrapped in CORS.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/servers", a.HandleListServers)
	mux.HandleFunc("POST /api/servers", a.HandleLaunchServer)
	mux.HandleFunc("GET /api/servers/{id}", a.HandleGetServer)
	mux.HandleFunc("DELETE /api/servers/{id}", a.HandleStopServer)
	mux.HandleFunc("GET /api/servers/{id}/sessions", a.HandleListSessions)
	mux.HandleFunc("GET /api/servers/{id}/sessions/{sessionId}", a.HandleGetSession)
	mux.HandleFunc("GET /api/servers/{id}/events", a.HandleServerEvents)
	mux.HandleFunc("GET /api/servers/{id}/terminal", a.HandleTerminal)
	mux.HandleFunc("DELETE /api/servers/{id}/terminal", a.HandleCloseTerminal)
	mux.HandleFunc("GET /api/sessions/{sessionId}/events", a.HandleSessionEvents)
	if a.Changes != nil {
		mux.HandleFunc("GET /api/poll", a.Changes.HandlePoll)
	}
	return middleware.Cors(a.AllowedOrigin, mux)
}

func (a *API) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, instances.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, instances.ErrPortInUse):
		return http.StatusConflict
	case errors.Is(err, instances.ErrUnsupportedBinary):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrInvalidLaunchSpec):
		return http.StatusBadRequest
	case errors.Is(err, processes.ErrNoFreePort):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) HandleListServers(w http.ResponseWriter, r *http.Request) {
	list := a.Manager.List()
	infos := make([]instances.Info, 0, len(list))
	for _, si := range list {
		infos = append(infos, si.Info())
	}
	httputils.HandleAPIResponse(w, r, infos, nil, http.StatusOK)
}

func (a *API) HandleLaunchServer(w http.ResponseWriter, r *http.Request) {
	var req instances.LaunchRequest
	if err := httputils.DecodeJSONBody(r, &req); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	si, err := a.Manager.Launch(r.Context(), req)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("failed to launch server: %w", err), statusFor(err))
		return
	}
	a.logger().Info("Server instance launched", "serverId", si.ID, "address", si.Address())
	httputils.HandleAPIResponse(w, r, si.Info(), nil, http.StatusCreated)
}

func (a *API) HandleGetServer(w http.ResponseWriter, r *http.Request) {
	si, err := a.Manager.Get(r.PathValue("id"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	detail := ServerDetail{Info: si.Info(), BaseURL: si.BaseURL()}

	if check, _ := strconv.ParseBool(r.URL.Query().Get("check")); check && a.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		// Probe the automation server directly, bypassing the interceptor.
		internal := "http://127.0.0.1:" + strconv.Itoa(si.Spec.InternalPort)
		if si.Spec.BasePath != "/" {
			internal += si.Spec.BasePath
		}
		healthy := true
		if err := a.Health.Check(ctx, internal); err != nil {
			healthy = false
			msg := err.Error()
			detail.Health = &msg
		}
		detail.Healthy = &healthy
	}
	httputils.HandleAPIResponse(w, r, detail, nil, http.StatusOK)
}

func (a *API) HandleStopServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Manager.Stop(id); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]string{"id": id, "status": "stopping"}, nil, http.StatusAccepted)
}

func (a *API) HandleTerminal(w http.ResponseWriter, r *http.Request) {
	si, err := a.Manager.Get(r.PathValue("id"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	si.Terminal.ServeHTTP(w, r)
}

func (a *API) HandleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.Manager.CloseTerminal(id); err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	httputils.HandleAPIResponse(w, r, map[string]string{"id": id, "status": "stopping"}, nil, http.StatusAccepted)
}

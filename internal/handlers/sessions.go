package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tomyedwab/appiumhub/httputils"
	"github.com/tomyedwab/appiumhub/journal"
)

const defaultEventsLimit = 200

var errNoJournal = errors.New("event journal is disabled")

func (a *API) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	si, err := a.Manager.Get(r.PathValue("id"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	httputils.HandleAPIResponse(w, r, si.Registry.Sessions(), nil, http.StatusOK)
}

func (a *API) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	si, err := a.Manager.Get(r.PathValue("id"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	sessionID := r.PathValue("sessionId")
	s, ok := si.Registry.Session(sessionID)
	if !ok {
		httputils.HandleAPIResponse(w, r, nil, fmt.Errorf("session %s not found", sessionID), http.StatusNotFound)
		return
	}
	httputils.HandleAPIResponse(w, r, s, nil, http.StatusOK)
}

func (a *API) HandleServerEvents(w http.ResponseWriter, r *http.Request) {
	si, err := a.Manager.Get(r.PathValue("id"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, statusFor(err))
		return
	}
	j := a.Manager.Journal()
	if j == nil {
		httputils.HandleAPIResponse(w, r, nil, errNoJournal, http.StatusNotFound)
		return
	}
	limit, err := a.eventsLimit(r)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusBadRequest)
		return
	}
	entries, err := j.ForServer(si.ID, limit)
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	httputils.HandleAPIResponse(w, r, nonNil(entries), nil, http.StatusOK)
}

func (a *API) HandleSessionEvents(w http.ResponseWriter, r *http.Request) {
	j := a.Manager.Journal()
	if j == nil {
		httputils.HandleAPIResponse(w, r, nil, errNoJournal, http.StatusNotFound)
		return
	}
	entries, err := j.ForSession(r.PathValue("sessionId"))
	if err != nil {
		httputils.HandleAPIResponse(w, r, nil, err, http.StatusInternalServerError)
		return
	}
	httputils.HandleAPIResponse(w, r, nonNil(entries), nil, http.StatusOK)
}

// eventsLimit reads ?limit, falling back to the configured limit.
func (a *API) eventsLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		if a.EventsLimit > 0 {
			return a.EventsLimit, nil
		}
		return defaultEventsLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return limit, nil
}

func nonNil(entries []journal.Entry) []journal.Entry {
	if entries == nil {
		return []journal.Entry{}
	}
	return entries
}

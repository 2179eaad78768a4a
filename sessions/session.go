package sessions

import (
	"encoding/json"
	"time"

	"github.com/tomyedwab/appiumhub/ipc"
)

// Session is one automation session hosted by a server instance.
type Session struct {
	ID           string         `json:"id"`
	ServerID     string         `json:"serverId"`
	Capabilities map[string]any `json:"capabilities"`
	Running      bool           `json:"running"`
	StartTime    time.Time      `json:"startTime"`
	EndTime      *time.Time     `json:"endTime,omitempty"`
	Logs         []SessionLog   `json:"logs"`
}

// SessionLog is one intercepted command.
type SessionLog struct {
	CommandName string    `json:"commandName"`
	Description string    `json:"description"`
	Success     bool      `json:"success"`
	SessionID   string    `json:"sessionId"`
	Timestamp   time.Time `json:"timestamp"`
}

// clone returns a deep enough copy for handing out of the registry.
func (s *Session) clone() Session {
	c := *s
	c.Logs = append([]SessionLog(nil), s.Logs...)
	c.Capabilities = make(map[string]any, len(s.Capabilities))
	for k, v := range s.Capabilities {
		c.Capabilities[k] = v
	}
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return c
}

// NewCommandLog derives the log entry for one command response.
func NewCommandLog(cmd ipc.SessionCommand, basePath string, at time.Time) SessionLog {
	log := SessionLog{
		CommandName: CommandName(cmd.Path, cmd.Method, basePath),
		Description: describe(cmd.Response),
		Success:     ipc.ResponseSucceeded(cmd.Response),
		Timestamp:   at,
	}
	if cmd.SessionID != nil {
		log.SessionID = *cmd.SessionID
	}
	return log
}

// describe renders response.value as JSON, or {} when there is none.
func describe(response json.RawMessage) string {
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		var raw string
		if json.Unmarshal(response, &raw) == nil {
			return raw
		}
		return "{}"
	}
	if len(resp.Value) == 0 {
		return "{}"
	}
	return string(resp.Value)
}

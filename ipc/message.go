// Package ipc carries session lifecycle events from the proxy host to the
// controller that spawned it.
//
// Every message is a JSON envelope {"event": ..., "data": ...} written as a
// single line. The data payload is decoded into one of the Event variants
// below, keyed by the event name.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEvent = errors.New("unknown ipc event")

// EventType names an IPC event on the wire.
type EventType string

const (
	EventSessionStarted EventType = "session-started"
	EventSessionCommand EventType = "session-command"
	EventSessionStopped EventType = "session-stopped"
)

// Message is the wire envelope.
type Message struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is implemented by every IPC payload variant.
type Event interface {
	Type() EventType
}

// SessionStarted carries the full create-session response body.
type SessionStarted struct {
	Body json.RawMessage
}

// SessionStopped reports an orderly delete-session response.
type SessionStopped struct {
	SessionID string `json:"sessionId"`
}

// SessionCommand reports any other protocol response under the base path.
// SessionID is nil when the path has no session context.
type SessionCommand struct {
	SessionID *string         `json:"sessionId"`
	Response  json.RawMessage `json:"response"`
	URL       string          `json:"url"`
	Path      string          `json:"path"`
	Method    string          `json:"method"`
}

func (SessionStarted) Type() EventType { return EventSessionStarted }
func (SessionStopped) Type() EventType { return EventSessionStopped }
func (SessionCommand) Type() EventType { return EventSessionCommand }

type startedValue struct {
	Value struct {
		SessionID    string         `json:"sessionId"`
		Capabilities map[string]any `json:"capabilities"`
	} `json:"value"`
}

// Session extracts the session id and capabilities from the response body.
func (e SessionStarted) Session() (string, map[string]any, error) {
	var parsed startedValue
	if err := json.Unmarshal(e.Body, &parsed); err != nil {
		return "", nil, fmt.Errorf("failed to parse session-started body: %w", err)
	}
	if parsed.Value.SessionID == "" {
		return "", nil, errors.New("session-started body has no value.sessionId")
	}
	caps := parsed.Value.Capabilities
	if caps == nil {
		caps = map[string]any{}
	}
	return parsed.Value.SessionID, caps, nil
}

// Encode wraps an event into its wire envelope.
func Encode(ev Event) (Message, error) {
	var (
		data []byte
		err  error
	)
	switch e := ev.(type) {
	case SessionStarted:
		data = e.Body
		if len(data) == 0 {
			data = []byte("{}")
		}
		if !json.Valid(data) {
			return Message{}, errors.New("session-started body is not valid JSON")
		}
	case SessionStopped:
		data, err = json.Marshal(e)
	case SessionCommand:
		if len(e.Response) == 0 {
			e.Response = json.RawMessage("null")
		}
		data, err = json.Marshal(e)
	default:
		return Message{}, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
	}
	return Message{Event: ev.Type(), Data: data}, nil
}

// Decode turns an envelope back into its typed event. Unknown event names
// return ErrUnknownEvent so receivers can skip them.
func Decode(msg Message) (Event, error) {
	switch msg.Event {
	case EventSessionStarted:
		body := append(json.RawMessage(nil), msg.Data...)
		return SessionStarted{Body: body}, nil
	case EventSessionStopped:
		var ev SessionStopped
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", msg.Event, err)
		}
		return ev, nil
	case EventSessionCommand:
		var ev SessionCommand
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", msg.Event, err)
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
	}
}

// ResponseSucceeded reports whether a protocol response body describes a
// successful command: its value is null, absent, or not an object carrying a
// non-null error. Bodies that are not JSON objects count as failures.
func ResponseSucceeded(body json.RawMessage) bool {
	var resp struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	if len(resp.Value) == 0 || string(resp.Value) == "null" {
		return true
	}
	var value struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(resp.Value, &value); err != nil {
		// Scalars and arrays are plain results.
		return true
	}
	return len(value.Error) == 0 || string(value.Error) == "null"
}

// StringPtr is a small helper for building SessionCommand values.
func StringPtr(s string) *string {
	return &s
}

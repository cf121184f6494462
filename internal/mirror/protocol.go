package mirror

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Hub message types.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgEvent        = "event"
	msgResult       = "result"
	msgPing         = "ping"

	cmdSubscribeEvents = "subscribe_events"
	cmdGetStates       = "get_states"

	eventStateChanged = "state_changed"
)

// websocketPath is appended to the hub base URL.
const websocketPath = "/api/websocket"

// WebSocketURL derives the websocket endpoint from the hub's HTTP base URL.
// A bare host is treated as plain ws.
func WebSocketURL(base string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", ErrNotConfigured
	}
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + websocketPath, nil
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + websocketPath, nil
	case strings.Contains(base, "://"):
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrNotConfigured, base)
	default:
		return "ws://" + base + websocketPath, nil
	}
}

type authMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

type command struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type,omitempty"`
}

// inbound is the envelope for every message the hub sends.
type inbound struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id,omitempty"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *hubEvent       `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
	Error   *hubError       `json:"error,omitempty"`
}

type hubError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type hubEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type stateChangedData struct {
	EntityID string     `json:"entity_id"`
	OldState *wireState `json:"old_state"`
	NewState *wireState `json:"new_state"`
}

// wireState mirrors the hub's state object. Timestamps stay strings so a
// missing or odd value never rejects the whole message.
type wireState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
}

func (w *wireState) toState() EntityState {
	return EntityState{
		EntityID:    w.EntityID,
		Value:       w.State,
		Attributes:  w.Attributes,
		LastChanged: parseHubTime(w.LastChanged),
		LastUpdated: parseHubTime(w.LastUpdated),
	}
}

func parseHubTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

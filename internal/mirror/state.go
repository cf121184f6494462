package mirror

import (
	"strings"
	"time"
)

// UnknownValue is the Value of the sentinel returned for entities the hub
// has never reported.
const UnknownValue = "unknown"

// EntityState is the latest known state of one hub entity.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	Value       string         `json:"state"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Unknown returns the sentinel state for id.
func Unknown(id string) EntityState {
	return EntityState{EntityID: id, Value: UnknownValue}
}

// IsUnknown reports whether s carries the unknown value.
func (s EntityState) IsUnknown() bool {
	return s.Value == UnknownValue
}

// Domain returns the part of the entity id before the first dot
// ("light" for "light.kitchen").
func (s EntityState) Domain() string {
	return Domain(s.EntityID)
}

// FriendlyName returns the friendly_name attribute, or the entity id.
func (s EntityState) FriendlyName() string {
	if name, ok := s.Attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return s.EntityID
}

// Clone returns a deep copy, safe to hand to other goroutines.
func (s EntityState) Clone() EntityState {
	out := s
	if s.Attributes != nil {
		out.Attributes = cloneMap(s.Attributes)
	}
	return out
}

// Domain extracts the domain from an entity id.
func Domain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// Change is one forwarded state transition.
type Change struct {
	EntityID string

	// Old is nil when the hub did not report a previous state.
	Old *EntityState
	New EntityState
}

// Observer receives forwarded changes and connection notices.
//
// Delivery is at-most-once per transition: nothing is queued or replayed
// across reconnects. StateChanged runs on the session's read goroutine and
// must not block; Connected runs on its own goroutine.
type Observer interface {
	StateChanged(change Change)
	Connected()
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

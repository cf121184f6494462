package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// deviceMapTemplate renders {device_id: [entity_id, ...]} for every device
// the hub knows about.
const deviceMapTemplate = `
{
  {% set ns = namespace(devices=[]) %}
  {% for state in states %}
    {% set dev_id = device_id(state.entity_id) %}
    {% if dev_id %}
      {% set ns.devices = ns.devices + [dev_id] %}
    {% endif %}
  {% endfor %}
  {% set unique_devices = ns.devices | unique | list %}
  {% for dev_id in unique_devices %}
    "{{ dev_id }}": {{ device_entities(dev_id) | list | to_json }}{% if not loop.last %},{% endif %}
  {% endfor %}
}
`

// TemplateRenderer renders a hub template server side.
type TemplateRenderer interface {
	RenderTemplate(ctx context.Context, template string) (string, error)
}

// DeviceMap groups hub entities under their device. It is read on every
// forwarded change and replaced wholesale on (re)connect.
type DeviceMap struct {
	mu      sync.RWMutex
	devices map[string][]string
	parents map[string][]string
}

// NewDeviceMap creates an empty device map.
func NewDeviceMap() *DeviceMap {
	return &DeviceMap{
		devices: make(map[string][]string),
		parents: make(map[string][]string),
	}
}

// Replace swaps in a new device → entities grouping.
func (m *DeviceMap) Replace(devices map[string][]string) {
	devs := make(map[string][]string, len(devices))
	parents := make(map[string][]string)
	for dev, entities := range devices {
		devs[dev] = append([]string(nil), entities...)
		for _, e := range entities {
			parents[e] = append(parents[e], dev)
		}
	}
	for e := range parents {
		sort.Strings(parents[e])
	}

	m.mu.Lock()
	m.devices = devs
	m.parents = parents
	m.mu.Unlock()
}

// Entities returns the entities of one device.
func (m *DeviceMap) Entities(deviceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.devices[deviceID]...)
}

// EntitiesOf returns the union of entities under the given devices.
func (m *DeviceMap) EntitiesOf(deviceIDs []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []string
	for _, dev := range deviceIDs {
		for _, e := range m.devices[dev] {
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Parents returns the devices an entity belongs to.
func (m *DeviceMap) Parents(entityID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.parents[entityID]...)
}

// Len returns the number of devices.
func (m *DeviceMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// Refresh renders the grouping template on the hub and replaces the map.
// The previous map is kept when rendering or parsing fails.
func (m *DeviceMap) Refresh(ctx context.Context, r TemplateRenderer) error {
	out, err := r.RenderTemplate(ctx, deviceMapTemplate)
	if err != nil {
		return fmt.Errorf("rendering device map: %w", err)
	}

	var devices map[string][]string
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &devices); err != nil {
		return fmt.Errorf("parsing device map: %w", err)
	}
	m.Replace(devices)
	return nil
}

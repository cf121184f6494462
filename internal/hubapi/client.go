// Package hubapi is a small REST client for the home-automation hub:
// state listing, areas, site name, service calls and template rendering.
package hubapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotConfigured is returned while the hub URL or token is missing.
	ErrNotConfigured = errors.New("hubapi: hub url or token not configured")

	// ErrRequest wraps transport failures and non-success responses.
	ErrRequest = errors.New("hubapi: request failed")
)

const maxErrorBody = 512

// State is one entity as returned by GET /api/states.
type State struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// Area is one hub area.
type Area struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// areasTemplate renders every area as {"<id>": "<name>", ...}.
const areasTemplate = `{
{%- for area in areas() %}
  {{ area | to_json }}: {{ area_name(area) | to_json }}{% if not loop.last %},{% endif %}
{%- endfor %}
}`

// Client calls the hub REST API.
//
// Thread Safety:
//   - Safe for concurrent use; SetConfig may be called at any time.
type Client struct {
	mu         sync.RWMutex
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client. Empty url or token is allowed; calls then
// fail with ErrNotConfigured until SetConfig supplies them.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{httpClient: &http.Client{Timeout: timeout}}
	c.SetConfig(baseURL, token)
	return c
}

// SetConfig replaces the base URL and token.
func (c *Client) SetConfig(baseURL, token string) {
	c.mu.Lock()
	c.baseURL = strings.TrimRight(baseURL, "/")
	c.token = token
	c.mu.Unlock()
}

// GetStates returns every entity keyed by id.
func (c *Client) GetStates(ctx context.Context) (map[string]State, error) {
	var list []State
	if err := c.do(ctx, http.MethodGet, "/api/states", nil, &list); err != nil {
		return nil, err
	}
	out := make(map[string]State, len(list))
	for _, s := range list {
		out[s.EntityID] = s
	}
	return out, nil
}

// GetAllAreas returns every area keyed by id.
func (c *Client) GetAllAreas(ctx context.Context) (map[string]Area, error) {
	rendered, err := c.RenderTemplate(ctx, areasTemplate)
	if err != nil {
		return nil, err
	}
	var names map[string]string
	if err := json.Unmarshal([]byte(rendered), &names); err != nil {
		return nil, fmt.Errorf("%w: decoding areas: %w", ErrRequest, err)
	}
	out := make(map[string]Area, len(names))
	for id, name := range names {
		out[id] = Area{ID: id, Name: name}
	}
	return out, nil
}

// GetLocationName returns the hub's configured site name.
func (c *Client) GetLocationName(ctx context.Context) (string, error) {
	var cfg struct {
		LocationName string `json:"location_name"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return "", err
	}
	return cfg.LocationName, nil
}

// CallService invokes domain.service on entityID. It returns false with
// an error when the hub rejects the call.
func (c *Client) CallService(ctx context.Context, domain, service, entityID string) (bool, error) {
	body := map[string]any{"entity_id": entityID}
	path := "/api/services/" + domain + "/" + service
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return false, err
	}
	return true, nil
}

// RenderTemplate renders a hub template and returns the raw text.
func (c *Client) RenderTemplate(ctx context.Context, template string) (string, error) {
	var out bytes.Buffer
	if err := c.do(ctx, http.MethodPost, "/api/template", map[string]string{"template": template}, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}

// do performs a request. out may be nil, a *bytes.Buffer for raw text,
// or a value to JSON-decode into.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	c.mu.RLock()
	baseURL, token := c.baseURL, c.token
	c.mu.RUnlock()
	if baseURL == "" || token == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequest, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best effort detail
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequest, method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	switch o := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse
		return nil
	case *bytes.Buffer:
		if _, err := o.ReadFrom(resp.Body); err != nil {
			return fmt.Errorf("%w: reading body: %w", ErrRequest, err)
		}
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding %s: %w", ErrRequest, path, err)
		}
		return nil
	}
}

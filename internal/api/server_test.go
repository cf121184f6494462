package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
	"github.com/nerrad567/gray-logic-trigger/migrations"
)

// mockEngine records rule changes and runs a hook on EvaluateNow.
type mockEngine struct {
	mu       sync.Mutex
	added    []string
	removed  []string
	evaluate func(ctx context.Context, ids []string) error
}

func (m *mockEngine) AddRule(rule *trigger.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, rule.ID)
}

func (m *mockEngine) RemoveRule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
}

func (m *mockEngine) EvaluateNow(ctx context.Context, ids []string) error {
	if m.evaluate != nil {
		return m.evaluate(ctx, ids)
	}
	return nil
}

func (m *mockEngine) Stats() trigger.Stats {
	return trigger.Stats{Rules: 3, Fired: 2}
}

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	srv    *Server
	engine *mockEngine
	repo   *trigger.SQLiteRepository
}

// testServer creates a Server backed by in-memory SQLite.
func testServer(t *testing.T, withEngine bool) *testEnv {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}

	repo := trigger.NewSQLiteRepository(db.DB)
	rules := trigger.NewRegistry(repo)
	if err := rules.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache: %v", err)
	}

	env := &testEnv{repo: repo}
	deps := Deps{
		Config:  config.APIConfig{Host: "127.0.0.1", Port: 0},
		Logger:  logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test"),
		Rules:   rules,
		Logs:    repo.Logs(),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { fmt.Fprint(w, "graytrigger_up 1\n") }),
		Version: "test",
	}
	if withEngine {
		env.engine = &mockEngine{}
		deps.Engine = env.engine
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	env.srv = srv
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func validRule(id string) map[string]any {
	return map[string]any{
		"id":        id,
		"name":      "Front door",
		"condition": "the front door is open",
		"devices":   []string{"binary_sensor.front_door"},
		"execute":   map[string]any{"type": "static"},
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New(Deps{}) should fail without a logger")
	}
}

func TestHealth(t *testing.T) {
	env := testServer(t, false)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	env.srv.health = map[string]HealthChecker{
		"hub": checkFunc(func(context.Context) error { return errors.New("not connected") }),
		"db":  checkFunc(func(context.Context) error { return nil }),
	}
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Status != "degraded" || body.Components["hub"] != "not connected" || body.Components["db"] != "ok" {
		t.Errorf("body = %+v", body)
	}
}

func TestRules_CRUD(t *testing.T) {
	env := testServer(t, true)

	rec := env.do(t, http.MethodPost, "/api/v1/rules", validRule("r1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var created trigger.Rule
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !created.Enabled {
		t.Error("rule without enabled field should default to enabled")
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/rules", validRule("r1")); rec.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/rules/r1", nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d, want 200", rec.Code)
	}

	update := validRule("ignored")
	update["name"] = "Back door"
	rec = env.do(t, http.MethodPut, "/api/v1/rules/r1", update)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated trigger.Rule
	if err := json.NewDecoder(rec.Body).Decode(&updated); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if updated.ID != "r1" || updated.Name != "Back door" {
		t.Errorf("updated = %s/%s, want r1/Back door", updated.ID, updated.Name)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/rules", nil)
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Errorf("list body = %s", rec.Body.String())
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/rules/r1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/rules/r1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}

	env.engine.mu.Lock()
	defer env.engine.mu.Unlock()
	if len(env.engine.added) != 2 || len(env.engine.removed) != 1 {
		t.Errorf("engine added=%v removed=%v", env.engine.added, env.engine.removed)
	}
}

func TestRules_Validation(t *testing.T) {
	env := testServer(t, true)

	bad := validRule("r1")
	delete(bad, "condition")
	rec := env.do(t, http.MethodPost, "/api/v1/rules", bad)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ErrCodeValidation) {
		t.Errorf("body = %s, want validation code", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/rules", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON status = %d, want 400", rec.Code)
	}

	if rec := env.do(t, http.MethodPut, "/api/v1/rules/missing", validRule("missing")); rec.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/v1/rules/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing status = %d, want 404", rec.Code)
	}
}

func TestEvaluateRule(t *testing.T) {
	env := testServer(t, true)
	env.engine.evaluate = func(ctx context.Context, ids []string) error {
		if ids[0] == "missing" {
			return fmt.Errorf("%w: %s", trigger.ErrRuleNotFound, ids[0])
		}
		_, err := env.repo.CreateLog(ctx, &trigger.RuleLog{
			RuleID:    ids[0],
			RuleName:  "Front door",
			ExecuteID: "exec-1",
			Fired:     true,
		})
		return err
	}

	rec := env.do(t, http.MethodPost, "/api/v1/rules/r1/evaluate", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Log *trigger.RuleLog `json:"log"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if body.Log == nil || body.Log.ExecuteID != "exec-1" || !body.Log.Fired {
		t.Errorf("log = %+v", body.Log)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/rules/missing/evaluate", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing rule status = %d, want 404", rec.Code)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/executions/exec-1/logs", nil); rec.Code != http.StatusOK {
		t.Errorf("execution logs status = %d, want 200", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/executions/nope/logs", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown execution status = %d, want 404", rec.Code)
	}
}

func TestEvaluateRule_NoEngine(t *testing.T) {
	env := testServer(t, false)
	if rec := env.do(t, http.MethodPost, "/api/v1/rules/r1/evaluate", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRuleLogs_Limit(t *testing.T) {
	env := testServer(t, false)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := env.repo.CreateLog(ctx, &trigger.RuleLog{RuleID: "r1", ExecuteID: fmt.Sprintf("e%d", i)}); err != nil {
			t.Fatalf("CreateLog: %v", err)
		}
	}

	rec := env.do(t, http.MethodGet, "/api/v1/rules/r1/logs?limit=2", nil)
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Errorf("body = %s, want 2 logs", rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/rules/r1/logs?limit=zero", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestStatusAndMetrics(t *testing.T) {
	env := testServer(t, true)

	rec := env.do(t, http.MethodGet, "/api/v1/status", nil)
	var status StatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if status.Engine == nil || status.Engine.Rules != 3 || status.Version != "test" {
		t.Errorf("status = %+v", status)
	}

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	if !strings.Contains(rec.Body.String(), "graytrigger_up 1") {
		t.Errorf("metrics body = %q", rec.Body.String())
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := testServer(t, false)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "abc" {
		t.Errorf("X-Request-ID = %q, want abc", got)
	}
}

func TestWebSocket_RuleFired(t *testing.T) {
	env := testServer(t, false)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sub := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{ChannelRuleFired}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse {
		t.Fatalf("response type = %q", resp.Type)
	}

	env.srv.hub.RuleFired(context.Background(), trigger.FiredEvent{RuleID: "r1", ExecuteID: "e1"})

	var ev struct {
		Type      string             `json:"type"`
		EventType string             `json:"event_type"`
		Payload   trigger.FiredEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != ChannelRuleFired || ev.Payload.RuleID != "r1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestWebSocket_RuleChannel(t *testing.T) {
	env := testServer(t, false)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test deadline

	bad := WSMessage{Type: WSTypeSubscribe, ID: "1", Payload: WSSubscribePayload{Channels: []string{"device.state"}}}
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var resp WSMessage
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if resp.Type != WSTypeError {
		t.Fatalf("unknown channel response type = %q, want error", resp.Type)
	}

	sub := WSMessage{Type: WSTypeSubscribe, ID: "2", Payload: WSSubscribePayload{Channels: []string{RuleChannel("r2")}}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("reading subscribe response: %v", err)
	}
	if resp.Type != WSTypeResponse {
		t.Fatalf("response type = %q", resp.Type)
	}

	// r1 is not subscribed; only r2's event should arrive.
	env.srv.hub.RuleFired(context.Background(), trigger.FiredEvent{RuleID: "r1", ExecuteID: "e1"})
	env.srv.hub.RuleFired(context.Background(), trigger.FiredEvent{RuleID: "r2", ExecuteID: "e2"})

	var ev struct {
		EventType string             `json:"event_type"`
		Payload   trigger.FiredEvent `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.EventType != RuleChannel("r2") || ev.Payload.ExecuteID != "e2" {
		t.Errorf("event = %+v, want r2 firing", ev)
	}
}

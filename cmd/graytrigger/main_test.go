package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
)

const testRulesFile = `
rules:
  - id: front-door
    name: Front door left open
    condition: the front door has been open while nobody is around
    devices: [binary_sensor.front_door]
    execute:
      type: static
      notify:
        id: door-open
        content: Front door is open
  - id: porch
    name: Porch visitor
    condition: a person is standing on the porch
    cameras: [porch]
    enabled: false
    execute:
      type: static
`

// writeTestConfig writes a minimal config with MQTT, InfluxDB, Redis and
// the API disabled, and returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
site:
  id: test-site
database:
  path: "` + filepath.Join(dir, "test.db") + `"
  wal_mode: true
  busy_timeout: 5
media:
  frames_dir: "` + filepath.Join(dir, "frames") + `"
  store_dir: "` + filepath.Join(dir, "images") + `"
api:
  enabled: false
logging:
  level: error
  format: text
  output: stdout
` + extra
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_ConfigValidation(t *testing.T) {
	path := writeTestConfig(t, "")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	data = []byte(strings.Replace(string(data), "site:\n  id: test-site", "site:\n  id: \"\"", 1))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, path); err == nil {
		t.Fatal("run() should fail validation without site.id")
	}
}

func TestRun_StartsAndStops(t *testing.T) {
	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(testRulesFile), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}
	path := writeTestConfig(t, "engine:\n  rules_file: \""+rulesPath+"\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

func TestRulesCommands(t *testing.T) {
	path := writeTestConfig(t, "")
	rulesPath := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(rulesPath, []byte(testRulesFile), 0o600); err != nil {
		t.Fatalf("writing rules: %v", err)
	}

	out, err := execute(t, "rules", "import", rulesPath, "--config", path)
	if err != nil {
		t.Fatalf("rules import error = %v", err)
	}
	if !strings.Contains(out, "2 created") {
		t.Errorf("import output = %q", out)
	}

	out, err = execute(t, "rules", "import", rulesPath, "--config", path)
	if err != nil {
		t.Fatalf("second import error = %v", err)
	}
	if !strings.Contains(out, "2 updated") {
		t.Errorf("re-import output = %q", out)
	}

	out, err = execute(t, "rules", "ls", "--config", path)
	if err != nil {
		t.Fatalf("rules ls error = %v", err)
	}
	for _, want := range []string{"front-door", "device", "porch", "camera", "false"} {
		if !strings.Contains(out, want) {
			t.Errorf("ls output missing %q:\n%s", want, out)
		}
	}

	exportPath := filepath.Join(t.TempDir(), "export.yaml")
	if _, err := execute(t, "rules", "export", exportPath, "--config", path); err != nil {
		t.Fatalf("rules export error = %v", err)
	}
	exported, err := trigger.LoadRulesFile(exportPath)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("exported %d rules, want 2", len(exported))
	}
	for _, r := range exported {
		if r.ID == "porch" && r.Enabled {
			t.Error("disabled rule exported as enabled")
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if !strings.HasPrefix(out, "graytrigger "+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	const secret = "0123456789abcdef0123456789abcdef"

	if _, err := execute(t, "token", "--config", writeTestConfig(t, "")); err == nil {
		t.Error("token without a configured secret should fail")
	}

	path := writeTestConfig(t, "")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	data = []byte(strings.Replace(string(data), "api:\n  enabled: false\n",
		"api:\n  enabled: false\n  auth:\n    jwt_secret: \""+secret+"\"\n", 1))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	out, err := execute(t, "token", "--subject", "panel", "--ttl", "1h", "--config", path)
	if err != nil {
		t.Fatalf("token error = %v", err)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "panel" {
		t.Errorf("subject = %q, want panel", claims.Subject)
	}
	if ttl := time.Until(claims.ExpiresAt.Time); ttl <= 0 || ttl > time.Hour {
		t.Errorf("expires in %v, want within 1h", ttl)
	}
}

// mockPublisher captures JSON publishes.
type mockPublisher struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
	err      error
}

func (m *mockPublisher) PublishJSON(topic string, v any, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.topics = append(m.topics, topic)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestMQTTEventSink(t *testing.T) {
	pub := &mockPublisher{}
	sink := newMQTTEventSink(pub, testLogger())

	sink.RuleFired(context.Background(), trigger.FiredEvent{RuleID: "front-door", ExecuteID: "e1"})

	if len(pub.topics) != 1 || pub.topics[0] != "graytrigger/trigger/front-door/fired" {
		t.Fatalf("topics = %v", pub.topics)
	}
	var ev trigger.FiredEvent
	if err := json.Unmarshal(pub.payloads[0], &ev); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if ev.ExecuteID != "e1" {
		t.Errorf("execute_id = %q, want e1", ev.ExecuteID)
	}

	// A failing broker is logged, never propagated.
	pub.err = errors.New("offline")
	sink.RuleFired(context.Background(), trigger.FiredEvent{RuleID: "front-door"})
}

// mockEngine records command-driven calls.
type mockEngine struct {
	mu        sync.Mutex
	loaded    int
	evaluated chan string
}

func (m *mockEngine) LoadRules(rules []trigger.Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = len(rules)
}

func (m *mockEngine) EvaluateNow(_ context.Context, ids []string) error {
	m.evaluated <- ids[0]
	return nil
}

func TestCommandHandler(t *testing.T) {
	ctx := context.Background()
	db, err := openDatabase(ctx, config.DatabaseConfig{Path: ":memory:", BusyTimeout: 1})
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	registry, err := loadRegistry(ctx, db)
	if err != nil {
		t.Fatalf("loadRegistry: %v", err)
	}
	rule := &trigger.Rule{ID: "r1", Name: "Door", Condition: "door open", Devices: []string{"d"}, Enabled: true}
	if err := registry.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	engine := &mockEngine{evaluated: make(chan string, 1)}
	h := newCommandHandler(ctx, registry, engine, testLogger())

	if err := h.Handle("graytrigger/command/rules/reload", nil); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	engine.mu.Lock()
	loaded := engine.loaded
	engine.mu.Unlock()
	if loaded != 1 {
		t.Errorf("loaded = %d, want 1", loaded)
	}

	if err := h.Handle("graytrigger/command/rules/r1/evaluate", nil); err != nil {
		t.Fatalf("evaluate error = %v", err)
	}
	select {
	case id := <-engine.evaluated:
		if id != "r1" {
			t.Errorf("evaluated %q, want r1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("evaluation was not requested")
	}

	if err := h.Handle("graytrigger/command/unknown", nil); err == nil {
		t.Error("unknown command should return an error")
	}
}

// recordingHub captures SetConfig calls.
type recordingHub struct {
	url, token string
	calls      int
}

func (r *recordingHub) SetConfig(url, token string) {
	r.url, r.token = url, token
	r.calls++
}

func TestCommandHandler_HubConfig(t *testing.T) {
	mirrorSide, clientSide := &recordingHub{}, &recordingHub{}
	h := newCommandHandler(context.Background(), nil, &mockEngine{}, testLogger(), mirrorSide, clientSide)

	payload := []byte(`{"url":"http://hub.local:8123","token":"new-token"}`)
	if err := h.Handle("graytrigger/command/hub/config", payload); err != nil {
		t.Fatalf("hub config error = %v", err)
	}
	for name, r := range map[string]*recordingHub{"mirror": mirrorSide, "client": clientSide} {
		if r.calls != 1 || r.url != "http://hub.local:8123" || r.token != "new-token" {
			t.Errorf("%s got %d calls, url=%q token=%q", name, r.calls, r.url, r.token)
		}
	}

	for _, bad := range []string{`not json`, `{"url":"http://hub.local:8123"}`, `{"token":"t"}`} {
		if err := h.Handle("graytrigger/command/hub/config", []byte(bad)); err == nil {
			t.Errorf("payload %s should be rejected", bad)
		}
	}
	if mirrorSide.calls != 1 || clientSide.calls != 1 {
		t.Errorf("rejected payloads reached the configurers: %d/%d calls", mirrorSide.calls, clientSide.calls)
	}
}

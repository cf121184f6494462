package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
	"github.com/nerrad567/gray-logic-trigger/internal/mirror"
)

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockProxy answers inference calls through reply, recording each call.
type mockProxy struct {
	mu    sync.Mutex
	calls [][]inference.Message
	reply func(msgs []inference.Message) (inference.Response, error)
}

func newMockProxy(reply func(msgs []inference.Message) (inference.Response, error)) *mockProxy {
	return &mockProxy{reply: reply}
}

// constProxy always returns content.
func constProxy(content string) *mockProxy {
	return newMockProxy(func([]inference.Message) (inference.Response, error) {
		return inference.Response{Content: content}, nil
	})
}

func (m *mockProxy) Call(_ context.Context, msgs []inference.Message) (inference.Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msgs)
	m.mu.Unlock()
	return m.reply(msgs)
}

func (m *mockProxy) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// userText joins the text parts of the user message.
func userText(msgs []inference.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != inference.RoleUser {
			continue
		}
		parts, _ := m.Content.([]inference.Part)
		for _, p := range parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// mockActions records executed actions. Tools named in fail report failure.
type mockActions struct {
	mu       sync.Mutex
	executed []action.Action
	fail     map[string]bool
	tools    []action.Tool
}

func newMockActions() *mockActions {
	return &mockActions{fail: make(map[string]bool)}
}

func (m *mockActions) Execute(_ context.Context, a action.Action) (action.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, a)
	if m.fail[a.ToolName] {
		return action.Result{}, errors.New("tool exploded")
	}
	return action.Result{Success: true, Output: "ok"}, nil
}

func (m *mockActions) Tools(context.Context) []action.Tool {
	return m.tools
}

func (m *mockActions) getExecuted() []action.Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]action.Action, len(m.executed))
	copy(cpy, m.executed)
	return cpy
}

// memoryLogs is an in-memory LogStore.
type memoryLogs struct {
	mu   sync.Mutex
	logs []RuleLog
}

func (m *memoryLogs) Create(_ context.Context, rec *RuleLog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	m.logs = append(m.logs, *rec)
	return rec.ID, nil
}

func (m *memoryLogs) ListByRule(_ context.Context, ruleID string, _ int) ([]RuleLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RuleLog
	for _, l := range m.logs {
		if l.RuleID == ruleID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memoryLogs) ListByExecution(_ context.Context, executeID string) ([]RuleLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RuleLog
	for _, l := range m.logs {
		if l.ExecuteID == executeID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memoryLogs) all() []RuleLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]RuleLog, len(m.logs))
	copy(cpy, m.logs)
	return cpy
}

// fakeFrames serves fixed sequences per camera and channel.
type fakeFrames struct {
	cameras map[string]media.Camera
	seqs    map[string]map[int]*media.Sequence
}

func (f *fakeFrames) Cameras(context.Context) (map[string]media.Camera, error) {
	return f.cameras, nil
}

func (f *fakeFrames) Recent(_ context.Context, cameraID string, channel, _ int) (*media.Sequence, error) {
	return f.seqs[cameraID][channel], nil
}

// channelFrame is the last frame served for a channel of cam1.
func channelFrame(ch int) media.Frame {
	return media.Frame{Data: []byte(fmt.Sprintf("cam1-ch%d-last", ch)), MIME: "image/jpeg"}
}

// twoChannelCamera returns a frame source with one camera whose two
// channels both have two distinct frames.
func twoChannelCamera() *fakeFrames {
	seq := func(ch int) *media.Sequence {
		return &media.Sequence{CameraID: "cam1", Channel: ch, Frames: []media.Frame{
			{Data: []byte(fmt.Sprintf("cam1-ch%d-first", ch)), MIME: "image/jpeg"},
			channelFrame(ch),
		}}
	}
	return &fakeFrames{
		cameras: map[string]media.Camera{"cam1": {ID: "cam1", Name: "Porch", Channels: 2}},
		seqs:    map[string]map[int]*media.Sequence{"cam1": {0: seq(0), 1: seq(1)}},
	}
}

// channelProxy answers per camera channel, recognised by the channel's
// last frame. Calls without images get global.
func channelProxy(answers map[int]string, global string) *mockProxy {
	return newMockProxy(func(msgs []inference.Message) (inference.Response, error) {
		for _, m := range msgs {
			parts, _ := m.Content.([]inference.Part)
			for _, p := range parts {
				if p.ImageURL == nil {
					continue
				}
				for ch, answer := range answers {
					if p.ImageURL.URL == channelFrame(ch).DataURL() {
						return inference.Response{Content: answer}, nil
					}
				}
			}
		}
		return inference.Response{Content: global}, nil
	})
}

// fakeStates is a StateSource with fixed states.
type fakeStates struct {
	mu      sync.Mutex
	states  map[string]mirror.EntityState
	watched []string
	stopped bool
}

func (f *fakeStates) GetAllStates() map[string]mirror.EntityState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]mirror.EntityState, len(f.states))
	for k, v := range f.states {
		out[k] = v.Clone()
	}
	return out
}

func (f *fakeStates) UpdateWatchedEntities(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append([]string(nil), ids...)
}

func (f *fakeStates) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeStates) getWatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.watched...)
}

// fakeRenderer returns a fixed template output.
type fakeRenderer struct {
	out string
	err error
}

func (f fakeRenderer) RenderTemplate(context.Context, string) (string, error) {
	return f.out, f.err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func testRule(id string) *Rule {
	return &Rule{
		ID:        id,
		Name:      "Rule " + id,
		Condition: "someone is at the door",
		Enabled:   true,
		Execute:   ExecuteInfo{Type: ExecuteStatic},
	}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// mockTelemetry records dynamic completions.
type mockTelemetry struct {
	mu       sync.Mutex
	dynamic  []LogStatus
	evals    int
	dispatch int
}

func (m *mockTelemetry) EvaluationFinished(*Rule, []ConditionResult, bool, time.Duration) {
	m.mu.Lock()
	m.evals++
	m.mu.Unlock()
}

func (m *mockTelemetry) ActionsDispatched(*Rule, *ExecuteResult) {
	m.mu.Lock()
	m.dispatch++
	m.mu.Unlock()
}

func (m *mockTelemetry) DynamicFinished(_ *Rule, status LogStatus, _ time.Duration) {
	m.mu.Lock()
	m.dynamic = append(m.dynamic, status)
	m.mu.Unlock()
}

func (m *mockTelemetry) dynamicStatuses() []LogStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogStatus(nil), m.dynamic...)
}

// gatedRunner admits immediately and blocks until release is closed or
// its context ends.
type gatedRunner struct {
	mu      sync.Mutex
	runs    int
	release chan struct{}
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{})}
}

func (g *gatedRunner) Run(ctx context.Context, _ DynamicTask, admit func()) error {
	g.mu.Lock()
	g.runs++
	g.mu.Unlock()
	admit()
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedRunner) runCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs
}

// runnerFunc adapts a function to DynamicRunner.
type runnerFunc func(ctx context.Context, task DynamicTask, admit func()) error

func (f runnerFunc) Run(ctx context.Context, task DynamicTask, admit func()) error {
	return f(ctx, task, admit)
}

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []action.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, _, _ string, n action.Notification) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return true, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeImages records saved sequences.
type fakeImages struct {
	mu    sync.Mutex
	saved int
}

func (f *fakeImages) Save(seq *media.Sequence) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved++
	paths := make([]string, seq.Len())
	for i := range paths {
		paths[i] = fmt.Sprintf("/images/%s-%d-%d.jpg", seq.CameraID, seq.Channel, i)
	}
	return paths, nil
}

// recordingSink collects fired events.
type recordingSink struct {
	mu     sync.Mutex
	events []FiredEvent
}

func (r *recordingSink) RuleFired(_ context.Context, ev FiredEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) all() []FiredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FiredEvent(nil), r.events...)
}

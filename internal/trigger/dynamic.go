package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
	"github.com/nerrad567/gray-logic-trigger/internal/inference"
)

// DynamicRegistry tracks in-flight dynamic actions, at most one per rule.
type DynamicRegistry struct {
	mu      sync.Mutex
	entries map[string]*dynamicEntry
}

type dynamicEntry struct {
	executeID string
	started   time.Time
	cancel    context.CancelFunc
}

// NewDynamicRegistry creates an empty registry.
func NewDynamicRegistry() *DynamicRegistry {
	return &DynamicRegistry{entries: make(map[string]*dynamicEntry)}
}

// TryAcquire registers an in-flight dynamic action for ruleID. It fails
// when one is already registered. The returned release removes this
// entry only, so a late release cannot drop a newer registration.
func (r *DynamicRegistry) TryAcquire(ruleID, executeID string, cancel context.CancelFunc) (release func(), ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, busy := r.entries[ruleID]; busy {
		return nil, false
	}
	e := &dynamicEntry{executeID: executeID, started: time.Now(), cancel: cancel}
	r.entries[ruleID] = e

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.entries[ruleID] == e {
				delete(r.entries, ruleID)
			}
			r.mu.Unlock()
		})
	}, true
}

// Running reports whether ruleID has a dynamic action in flight.
func (r *DynamicRegistry) Running(ruleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[ruleID]
	return ok
}

// ExecuteID returns the execution id of the in-flight action for ruleID.
func (r *DynamicRegistry) ExecuteID(ruleID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ruleID]
	if !ok {
		return "", false
	}
	return e.executeID, true
}

// Len returns the number of in-flight dynamic actions.
func (r *DynamicRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CancelAll signals every in-flight action to stop. Entries are released
// by their supervisors as they unwind.
func (r *DynamicRegistry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.cancel != nil {
			e.cancel()
		}
	}
}

// DynamicTask is one dynamic action to run.
type DynamicTask struct {
	ExecuteID string
	Rule      *Rule
	Frames    FrameSet
}

// DynamicRunner carries out a dynamic action. Run must call admit once it
// has accepted the task, and should return when ctx is done. The runner
// records its own completion through the log store.
type DynamicRunner interface {
	Run(ctx context.Context, task DynamicTask, admit func()) error
}

// ActionRunner executes actions and describes the available tools.
// *action.Router satisfies it.
type ActionRunner interface {
	Execute(ctx context.Context, a action.Action) (action.Result, error)
	Tools(ctx context.Context) []action.Tool
}

// PlanningRunner asks an inference backend to turn a rule's dynamic
// descriptions into concrete tool calls, then executes them in order.
type PlanningRunner struct {
	proxy   inference.Proxy
	actions ActionRunner
	logs    LogStore
	lang    Language
	now     func() time.Time
	logger  Logger
}

// NewPlanningRunner creates a runner. logs may be nil.
func NewPlanningRunner(proxy inference.Proxy, actions ActionRunner, logs LogStore, lang Language) *PlanningRunner {
	return &PlanningRunner{
		proxy:   proxy,
		actions: actions,
		logs:    logs,
		lang:    lang,
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the runner's logger.
func (p *PlanningRunner) SetLogger(logger Logger) {
	p.logger = logger
}

type plan struct {
	Actions []action.Action `json:"actions"`
}

// Run implements DynamicRunner.
func (p *PlanningRunner) Run(ctx context.Context, task DynamicTask, admit func()) error {
	admit()

	rule := task.Rule
	result := &ExecuteResult{
		Type: ExecuteDynamic,
		Dynamic: &DynamicResult{
			Started:      true,
			Descriptions: append([]string(nil), rule.Execute.DynamicDescriptions...),
		},
	}

	runErr := p.run(ctx, task, result)
	result.Dynamic.Done = runErr == nil

	status := StatusDone
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
	case runErr != nil || result.Failed() > 0:
		status = StatusFailed
	}

	rec := &RuleLog{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Condition: rule.Condition,
		ExecuteID: task.ExecuteID,
		Kind:      LogDynamic,
		Fired:     true,
		Execute:   result,
		Status:    status,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if p.logs != nil {
		if _, err := p.logs.Create(context.WithoutCancel(ctx), rec); err != nil {
			p.logger.Error("saving dynamic log failed", "rule_id", rule.ID, "execute_id", task.ExecuteID, "error", err)
		}
	}
	return runErr
}

func (p *PlanningRunner) run(ctx context.Context, task DynamicTask, result *ExecuteResult) error {
	if p.proxy == nil {
		return ErrNoModel
	}

	tools := p.actions.Tools(ctx)
	resp, err := p.proxy.Call(ctx, p.planMessages(task, tools))
	if err != nil {
		return fmt.Errorf("%w: planning call: %w", ErrEvaluation, err)
	}

	raw, err := inference.ExtractJSON(resp.Content)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEvaluation, err)
	}
	var pl plan
	if err := json.Unmarshal([]byte(raw), &pl); err != nil {
		return fmt.Errorf("%w: decoding plan: %w", ErrEvaluation, err)
	}

	p.logger.Info("dynamic plan ready", "rule_id", task.Rule.ID, "execute_id", task.ExecuteID, "actions", len(pl.Actions))
	for _, a := range pl.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		result.Actions = append(result.Actions, runAction(ctx, p.actions, a, p.logger))
	}
	return nil
}

func (p *PlanningRunner) planMessages(task DynamicTask, tools []action.Tool) []inference.Message {
	var b strings.Builder
	if p.lang == LanguageChinese {
		b.WriteString("规则已触发，请把下面的动作描述转换为具体的工具调用。\n")
	} else {
		b.WriteString("A rule has fired. Turn the action descriptions below into concrete tool calls.\n")
	}
	fmt.Fprintf(&b, "\nRule: %s\nCondition: %s\nTime: %s\n\nActions to perform:\n",
		task.Rule.Name, task.Rule.Condition, p.now().UTC().Format(time.RFC3339))
	for _, d := range task.Rule.Execute.DynamicDescriptions {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	b.WriteString("\nAvailable tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- client_id=%s tool_name=%s", t.ClientID, t.Name)
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString(`
Reply with one JSON object only:
{"actions": [{"client_id": "...", "tool_name": "...", "input": {...}}]}
Use an empty list when no tool fits.`)

	parts := []inference.Part{inference.TextPart(b.String())}
	for _, id := range sortedCameraIDs(task.Frames) {
		cam := task.Frames[id]
		for _, ch := range sortedChannels(cam) {
			seq := cam.Channels[ch].Seq
			if seq.Len() == 0 {
				continue
			}
			parts = append(parts, inference.ImagePart(seq.Frames[seq.Len()-1].DataURL()))
		}
	}

	return []inference.Message{
		{Role: inference.RoleSystem, Content: "You plan home automation tool calls. Only use the listed tools."},
		{Role: inference.RoleUser, Content: parts},
	}
}

func sortedCameraIDs(f FrameSet) []string {
	ids := make([]string, 0, len(f))
	for id := range f {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// runAction executes one action and converts the outcome into a record.
// Failures never propagate.
func runAction(ctx context.Context, runner ActionRunner, a action.Action, logger Logger) ActionResult {
	rec := ActionResult{Action: a}
	res, err := runner.Execute(ctx, a)
	if err != nil {
		logger.Error("action failed", "action", a.Ref(), "error", err)
		rec.Error = err.Error()
		return rec
	}
	rec.Success = res.Success
	rec.Output = res.Output
	if !res.Success {
		logger.Warn("action reported failure", "action", a.Ref(), "output", res.Output)
	}
	return rec
}

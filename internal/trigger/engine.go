package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/coalesce"
	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
	"github.com/nerrad567/gray-logic-trigger/internal/mirror"
)

// Default engine timing.
const (
	DefaultDebounce     = 1 * time.Second
	deviceMapTimeout    = 30 * time.Second
	conclusionOpTimeout = 2 * time.Second
)

// StateSource is the live entity state the engine reads and narrows.
// *mirror.Mirror satisfies it.
type StateSource interface {
	GetAllStates() map[string]mirror.EntityState
	UpdateWatchedEntities(ids []string)
	Stop()
}

// ImageSaver persists a frame sequence and returns the stored paths.
type ImageSaver interface {
	Save(seq *media.Sequence) ([]string, error)
}

// Options configures an Engine. Nil collaborators get in-memory or no-op
// defaults, except the inference proxies: with neither set, cycles are
// skipped with a warning.
type Options struct {
	Vision   inference.Proxy
	Planning inference.Proxy

	Evaluator   *Evaluator
	Images      ImageSaver
	Conclusions ConclusionStore
	Policy      Policy
	Logs        LogStore
	Supervisor  *Supervisor
	Telemetry   Telemetry
	Events      EventSink

	// Templates renders the device grouping on connect.
	Templates TemplateRenderer
	DeviceMap *DeviceMap

	Debounce time.Duration
	// PollInterval is how often camera rules are re-evaluated. Zero
	// disables polling.
	PollInterval time.Duration
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Rules          int    `json:"rules"`
	Devices        int    `json:"devices"`
	PendingRules   int    `json:"pending_rules"`
	DynamicRunning int    `json:"dynamic_running"`
	Cycles         uint64 `json:"cycles"`
	Evaluations    uint64 `json:"evaluations"`
	Fired          uint64 `json:"fired"`
}

// Engine evaluates rules when the entities they watch change, and on a
// fixed poll for camera rules.
//
// Flow:
//
//	StateChanged ─▶ device map ─▶ pre-filter ─▶ coalescer ─┐
//	poll (camera rules) ──────────────────────────────────┤
//	                                                      ▼
//	                            evaluate ─▶ fire decision ─▶ supervisor
//	                                                      └▶ log store
//
// It implements mirror.Observer. Rule add/remove is assumed to be
// serialised by the caller; evaluation cycles from the poll and the
// coalescer may overlap.
type Engine struct {
	opts      Options
	devices   *DeviceMap
	coalescer *coalesce.Coalescer
	logger    Logger

	mu      sync.RWMutex
	rules   map[string]*Rule
	states  StateSource
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles      atomic.Uint64
	evaluations atomic.Uint64
	fired       atomic.Uint64
}

// NewEngine creates an engine with no rules.
func NewEngine(opts Options) *Engine {
	if opts.Evaluator == nil {
		opts.Evaluator = NewEvaluator(nil, nil, 1, LanguageEnglish)
	}
	if opts.Conclusions == nil {
		opts.Conclusions = NewMemoryConclusionStore()
	}
	if opts.Policy == nil {
		opts.Policy = NewCooldownPolicy(0)
	}
	if opts.Telemetry == nil {
		opts.Telemetry = noopTelemetry{}
	}
	if opts.Supervisor == nil {
		opts.Supervisor = NewSupervisor(SupervisorOptions{Logs: opts.Logs, Telemetry: opts.Telemetry})
	}
	if opts.DeviceMap == nil {
		opts.DeviceMap = NewDeviceMap()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:    opts,
		devices: opts.DeviceMap,
		logger:  noopLogger{},
		rules:   make(map[string]*Rule),
		ctx:     ctx,
		cancel:  cancel,
	}
	e.coalescer = coalesce.New(opts.Debounce, e.flush)
	return e
}

// SetLogger sets the engine's logger.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetStateSource attaches the live state mirror and pushes the current
// watched set to it.
func (e *Engine) SetStateSource(src StateSource) {
	e.mu.Lock()
	e.states = src
	e.mu.Unlock()
	e.updateWatched()
}

// DeviceMap returns the engine's device grouping.
func (e *Engine) DeviceMap() *DeviceMap {
	return e.devices
}

// Supervisor returns the action supervisor.
func (e *Engine) Supervisor() *Supervisor {
	return e.opts.Supervisor
}

// ─── Rule registry ──────────────────────────────────────────────────────────

// AddRule registers or replaces a rule.
func (e *Engine) AddRule(rule *Rule) {
	e.mu.Lock()
	e.rules[rule.ID] = rule.DeepCopy()
	e.mu.Unlock()
	e.updateWatched()
	e.logger.Debug("rule registered", "rule_id", rule.ID, "kind", rule.Kind().String())
}

// RemoveRule unregisters a rule and drops its pending work and stored
// conclusion.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	_, ok := e.rules[id]
	delete(e.rules, id)
	e.mu.Unlock()
	if !ok {
		return
	}

	e.forgetRule(id)
	e.updateWatched()
	e.logger.Debug("rule unregistered", "rule_id", id)
}

// forgetRule drops the pending debounce, stored conclusion and policy
// history of a rule that is no longer registered, so re-adding it starts
// from a clean slate.
func (e *Engine) forgetRule(id string) {
	e.coalescer.Forget(id)
	ctx, cancel := context.WithTimeout(e.ctx, conclusionOpTimeout)
	defer cancel()
	if err := e.opts.Conclusions.Delete(ctx, id); err != nil {
		e.logger.Warn("dropping rule conclusion failed", "rule_id", id, "error", err)
	}
	if f, ok := e.opts.Policy.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
}

// LoadRules replaces the whole rule set.
func (e *Engine) LoadRules(rules []Rule) {
	next := make(map[string]*Rule, len(rules))
	for i := range rules {
		next[rules[i].ID] = rules[i].DeepCopy()
	}

	e.mu.Lock()
	var removed []string
	for id := range e.rules {
		if _, keep := next[id]; !keep {
			removed = append(removed, id)
		}
	}
	e.rules = next
	e.mu.Unlock()

	for _, id := range removed {
		e.forgetRule(id)
	}
	e.updateWatched()
	e.logger.Info("rules loaded", "count", len(next), "removed", len(removed))
}

// Rules returns copies of the registered rules sorted by ID.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, *r.DeepCopy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) rule(id string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.rules[id]; ok {
		return r.DeepCopy()
	}
	return nil
}

// watchedEntities is the union of entities under every rule's devices.
func (e *Engine) watchedEntities() []string {
	e.mu.RLock()
	var devices []string
	for _, r := range e.rules {
		devices = append(devices, r.Devices...)
	}
	e.mu.RUnlock()
	return e.devices.EntitiesOf(devices)
}

func (e *Engine) updateWatched() {
	e.mu.RLock()
	src := e.states
	e.mu.RUnlock()
	if src == nil {
		return
	}
	watched := e.watchedEntities()
	src.UpdateWatchedEntities(watched)
	e.logger.Debug("watched entities updated", "count", len(watched))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the camera poll loop. Change-driven evaluation works
// without it.
func (e *Engine) Start(ctx context.Context) {
	if e.opts.PollInterval <= 0 {
		return
	}
	e.wg.Add(1)
	go e.pollLoop(ctx)
	e.logger.Info("trigger engine started", "poll_interval", e.opts.PollInterval, "debounce", e.opts.Debounce)
}

// Stop cancels the engine context, any pending debounce and the state
// source, then waits for running cycles. In-flight dynamic actions are
// signalled but may still be unwinding when Stop returns.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	src := e.states
	e.mu.Unlock()

	// Cancel first: the state source may be waiting on a refresh that
	// only returns once its context is done.
	e.cancel()
	e.coalescer.Stop()
	if src != nil {
		src.Stop()
	}
	e.opts.Supervisor.Registry().CancelAll()
	e.wg.Wait()
	e.logger.Info("trigger engine stopped")
}

// beginCycle registers a running cycle unless the engine is stopping.
func (e *Engine) beginCycle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	return true
}

func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.poll()
		}
	}
}

// poll evaluates every enabled camera rule. Device-only rules are driven
// by state changes alone.
func (e *Engine) poll() {
	e.mu.RLock()
	work := make(map[string][]string)
	for id, r := range e.rules {
		if r.Kind() == KindCamera && e.opts.Policy.PreFilter(r) {
			work[id] = nil
		}
	}
	e.mu.RUnlock()

	if len(work) == 0 {
		return
	}
	if !e.beginCycle() {
		return
	}
	defer e.wg.Done()
	e.checkBatch(e.ctx, work)
}

// ─── mirror.Observer ────────────────────────────────────────────────────────

// StateChanged marks every rule watching one of the entity's devices as
// dirty, with the entity as trigger source.
func (e *Engine) StateChanged(change mirror.Change) {
	parents := e.devices.Parents(change.EntityID)
	if len(parents) == 0 {
		return
	}

	e.mu.RLock()
	var dirty []string
	for id, r := range e.rules {
		if !intersects(r.Devices, parents) {
			continue
		}
		if e.opts.Policy.PreFilter(r) {
			dirty = append(dirty, id)
		}
	}
	e.mu.RUnlock()

	if len(dirty) == 0 {
		return
	}
	sort.Strings(dirty)
	e.logger.Debug("rules marked dirty", "entity_id", change.EntityID, "rules", dirty)
	e.coalescer.MarkDirty(dirty, change.EntityID)
}

// Connected refreshes the device map after each (re)connect.
func (e *Engine) Connected() {
	ctx, cancel := context.WithTimeout(e.ctx, deviceMapTimeout)
	defer cancel()
	if err := e.RefreshDeviceMap(ctx); err != nil {
		e.logger.Error("refreshing device map failed", "error", err)
	}
}

// RefreshDeviceMap re-renders the device grouping and updates the watched
// set. The previous grouping is kept on failure.
func (e *Engine) RefreshDeviceMap(ctx context.Context) error {
	if e.opts.Templates == nil {
		return nil
	}
	if err := e.devices.Refresh(ctx, e.opts.Templates); err != nil {
		return err
	}
	e.logger.Info("device map refreshed", "devices", e.devices.Len())
	e.updateWatched()
	return nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ─── Evaluation ─────────────────────────────────────────────────────────────

func (e *Engine) flush(w coalesce.Workload) {
	if !e.beginCycle() {
		return
	}
	defer e.wg.Done()

	work := make(map[string][]string, len(w))
	for _, id := range w.RuleIDs() {
		work[id] = w.Sources(id)
	}
	e.logger.Debug("evaluating buffered rules", "rules", w.RuleIDs())
	e.checkBatch(e.ctx, work)
}

// EvaluateNow runs one evaluation cycle for the given rules immediately,
// without trigger sources.
func (e *Engine) EvaluateNow(ctx context.Context, ruleIDs []string) error {
	work := make(map[string][]string, len(ruleIDs))
	for _, id := range ruleIDs {
		if e.rule(id) == nil {
			return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
		}
		work[id] = nil
	}
	if !e.beginCycle() {
		return context.Canceled
	}
	defer e.wg.Done()
	e.checkBatch(ctx, work)
	return nil
}

type target struct {
	rule    *Rule
	sources []string
}

// checkBatch splits the batch by shape and runs each part on its backend.
func (e *Engine) checkBatch(ctx context.Context, work map[string][]string) {
	vision, planning := e.opts.Vision, e.opts.Planning
	if vision == nil && planning == nil {
		e.logger.Warn("no inference backend available, skipping evaluation", "rules", len(work))
		return
	}
	e.cycles.Add(1)

	ids := make([]string, 0, len(work))
	for id := range work {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var cameraRules, textRules []target
	for _, id := range ids {
		r := e.rule(id)
		if r == nil || !e.opts.Policy.PreFilter(r) {
			continue
		}
		switch r.Kind() {
		case KindCamera:
			cameraRules = append(cameraRules, target{rule: r, sources: work[id]})
		case KindDevice:
			textRules = append(textRules, target{rule: r, sources: work[id]})
		case KindUnbound:
			e.logger.Debug("rule has no cameras or devices, skipping", "rule_id", id)
		}
	}

	if len(cameraRules) > 0 {
		if vision != nil {
			e.runRules(ctx, cameraRules, vision)
		} else {
			e.logger.Warn("camera rules skipped, no vision backend", "rules", len(cameraRules))
		}
	}
	if len(textRules) > 0 {
		proxy := planning
		if proxy == nil {
			proxy = vision
		}
		e.runRules(ctx, textRules, proxy)
	}
}

type evaluation struct {
	results []ConditionResult
	failed  int
}

func (e *Engine) runRules(ctx context.Context, targets []target, proxy inference.Proxy) {
	start := time.Now()

	var cameraIDs []string
	for _, t := range targets {
		cameraIDs = append(cameraIDs, t.rule.Cameras...)
	}
	frames := e.opts.Evaluator.PrepareCameras(ctx, cameraIDs)
	states := e.allStates()

	evals := make([]evaluation, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t target) {
			defer wg.Done()
			ruleStates := e.ruleStates(t.rule, states, t.sources)
			results, failed := e.opts.Evaluator.Evaluate(ctx, t.rule, proxy, frames, ruleStates)
			evals[i] = evaluation{results: results, failed: failed}
		}(i, t)
	}
	wg.Wait()

	for i, t := range targets {
		e.conclude(ctx, t, evals[i], frames, start)
	}
}

// ruleStates narrows the snapshot to the rule's devices and marks the
// cycle's trigger sources.
func (e *Engine) ruleStates(rule *Rule, all map[string]mirror.EntityState, sources []string) map[string]DeviceState {
	if len(rule.Devices) == 0 {
		return nil
	}
	isSource := make(map[string]bool, len(sources))
	for _, s := range sources {
		isSource[s] = true
	}

	out := make(map[string]DeviceState)
	for _, id := range e.devices.EntitiesOf(rule.Devices) {
		st, ok := all[id]
		if !ok {
			continue
		}
		if st.EntityID == "" {
			st.EntityID = id
		}
		out[id] = DeviceState{State: st, TriggerSource: isSource[id]}
	}
	return out
}

func (e *Engine) allStates() map[string]mirror.EntityState {
	e.mu.RLock()
	src := e.states
	e.mu.RUnlock()
	if src == nil {
		return nil
	}
	return src.GetAllStates()
}

// decide applies the firing rule for the rule's shape.
func (e *Engine) decide(ctx context.Context, rule *Rule, results []ConditionResult) bool {
	switch rule.Kind() {
	case KindCamera:
		fired := false
		for _, r := range results {
			// Every entry goes through the post-filter.
			if e.opts.Policy.PostFilter(rule.ID, r.Key(), r.Result) {
				fired = true
			}
		}
		return fired

	case KindDevice:
		if len(results) == 0 {
			// No verdict this cycle; leave the stored conclusion alone.
			return false
		}
		triggered := false
		for _, r := range results {
			if r.Result {
				triggered = true
				break
			}
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), conclusionOpTimeout)
		defer cancel()
		prev, had, err := e.opts.Conclusions.Swap(cctx, rule.ID, triggered)
		if err != nil {
			e.logger.Error("conclusion store failed", "rule_id", rule.ID, "error", err)
			return false
		}
		if had && prev == triggered {
			e.logger.Debug("conclusion unchanged, not firing", "rule_id", rule.ID, "result", triggered)
			return false
		}
		return e.opts.Policy.PostFilter(rule.ID, GlobalKey, triggered)

	default:
		return false
	}
}

func (e *Engine) conclude(ctx context.Context, t target, ev evaluation, frames FrameSet, start time.Time) {
	rule := t.rule
	e.evaluations.Add(1)

	fired := e.decide(ctx, rule, ev.results)
	executeID := GenerateID()
	status := StatusDone
	var execRes *ExecuteResult
	skipped := false

	if fired {
		e.fired.Add(1)
		res, err := e.opts.Supervisor.Dispatch(ctx, executeID, rule, frames.subset(rule.Cameras))
		if err != nil {
			// ErrDynamicRunning: a previous cycle's dynamic action holds the rule.
			skipped = true
			status = StatusSkipped
			e.logger.Info("rule fired but dynamic action still running, skipping dispatch", "rule_id", rule.ID)
		} else {
			execRes = res
			if execRes.Dynamic != nil && execRes.Dynamic.Started {
				status = StatusRunning
			}
		}
		e.logger.Info("rule fired", "rule_id", rule.ID, "name", rule.Name, "execute_id", executeID, "sources", t.sources)
	}

	results := e.attachImages(ev.results, frames, fired)

	rec := &RuleLog{
		ID:             executeID,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		Condition:      rule.Condition,
		ExecuteID:      executeID,
		Kind:           LogEvaluation,
		TriggerSources: t.sources,
		Results:        results,
		Fired:          fired,
		Execute:        execRes,
		Status:         status,
	}
	if ev.failed > 0 {
		rec.Error = fmt.Sprintf("%d inference call(s) failed", ev.failed)
	}
	if e.opts.Logs != nil {
		if _, err := e.opts.Logs.Create(context.WithoutCancel(ctx), rec); err != nil {
			e.logger.Error("saving rule log failed", "rule_id", rule.ID, "execute_id", executeID, "error", err)
		}
	}

	e.opts.Telemetry.EvaluationFinished(rule, results, fired, time.Since(start))

	if fired && e.opts.Events != nil {
		e.opts.Events.RuleFired(ctx, FiredEvent{
			RuleID:    rule.ID,
			RuleName:  rule.Name,
			ExecuteID: executeID,
			Sources:   t.sources,
			Results:   results,
			Skipped:   skipped,
			Timestamp: time.Now().UTC(),
		})
	}
}

// attachImages stores frames for results that saw motion, were positive
// and belong to a firing.
func (e *Engine) attachImages(results []ConditionResult, frames FrameSet, fired bool) []ConditionResult {
	if !fired || e.opts.Images == nil {
		return results
	}
	out := make([]ConditionResult, len(results))
	copy(out, results)
	for i := range out {
		r := &out[i]
		if r.CameraID == "" || !r.Result {
			continue
		}
		ch, ok := frames.Lookup(r.CameraID, r.Channel)
		if !ok || !ch.Motion || ch.Seq == nil {
			continue
		}
		paths, err := e.opts.Images.Save(ch.Seq)
		if err != nil {
			e.logger.Warn("storing condition images failed", "camera_id", r.CameraID, "error", err)
			continue
		}
		r.Images = paths
	}
	return out
}

// Stats returns counters for the status endpoint.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	n := len(e.rules)
	e.mu.RUnlock()
	return Stats{
		Rules:          n,
		Devices:        e.devices.Len(),
		PendingRules:   e.coalescer.Pending(),
		DynamicRunning: e.opts.Supervisor.Registry().Len(),
		Cycles:         e.cycles.Load(),
		Evaluations:    e.evaluations.Load(),
		Fired:          e.fired.Load(),
	}
}

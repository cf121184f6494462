package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
)

// Default dynamic-action limits.
const (
	DefaultDynamicAdmit    = 5 * time.Second
	DefaultDynamicLifetime = 300 * time.Second
)

var errRunnerPanic = errors.New("dynamic runner panicked")

// Supervisor dispatches a fired rule's actions and owns the lifetime of
// its dynamic actions.
//
// Static and automation actions run sequentially and one failure never
// stops the rest. A dynamic action runs in the background under
// DynamicRegistry; its entry is released on every exit path.
type Supervisor struct {
	actions  ActionRunner
	notifier action.Notifier
	runner   DynamicRunner
	registry *DynamicRegistry
	logs     LogStore
	telem    Telemetry

	admit    time.Duration
	lifetime time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
	logger     Logger
}

// SupervisorOptions configures a Supervisor. Zero durations select the
// defaults; nil collaborators disable that branch.
type SupervisorOptions struct {
	Actions   ActionRunner
	Notifier  action.Notifier
	Runner    DynamicRunner
	Registry  *DynamicRegistry
	Logs      LogStore
	Telemetry Telemetry
	Admit     time.Duration
	Lifetime  time.Duration
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Registry == nil {
		opts.Registry = NewDynamicRegistry()
	}
	if opts.Admit <= 0 {
		opts.Admit = DefaultDynamicAdmit
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultDynamicLifetime
	}
	if opts.Telemetry == nil {
		opts.Telemetry = noopTelemetry{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		actions:    opts.Actions,
		notifier:   opts.Notifier,
		runner:     opts.Runner,
		registry:   opts.Registry,
		logs:       opts.Logs,
		telem:      opts.Telemetry,
		admit:      opts.Admit,
		lifetime:   opts.Lifetime,
		rootCtx:    ctx,
		rootCancel: cancel,
		logger:     noopLogger{},
	}
}

// SetLogger sets the supervisor's logger.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Registry returns the dynamic-action registry.
func (s *Supervisor) Registry() *DynamicRegistry {
	return s.registry
}

// Running reports whether ruleID has a dynamic action in flight.
func (s *Supervisor) Running(ruleID string) bool {
	return s.registry.Running(ruleID)
}

// dynamicLease is a registry entry taken before dispatch. Its context
// bounds the dynamic action's lifetime.
type dynamicLease struct {
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
}

// Dispatch runs everything a fired rule declares and returns the outcome.
// It returns ErrDynamicRunning, and runs nothing, while a dynamic action
// for the rule is still in flight. For a dynamic rule the registry entry is taken
// before any action runs, so concurrent cycles cannot both dispatch.
//
// A dynamic action is only started here; its result is recorded by the
// runner.
func (s *Supervisor) Dispatch(ctx context.Context, executeID string, rule *Rule, frames FrameSet) (*ExecuteResult, error) {
	var lease *dynamicLease
	if s.runner != nil && rule.Execute.Type == ExecuteDynamic && len(rule.Execute.DynamicDescriptions) > 0 {
		dctx, cancel := context.WithTimeout(s.rootCtx, s.lifetime)
		release, ok := s.registry.TryAcquire(rule.ID, executeID, cancel)
		if !ok {
			cancel()
			return nil, ErrDynamicRunning
		}
		lease = &dynamicLease{ctx: dctx, cancel: cancel, release: release}
	} else if s.registry.Running(rule.ID) {
		return nil, ErrDynamicRunning
	}
	return s.execute(ctx, executeID, rule, frames, lease), nil
}

func (s *Supervisor) execute(ctx context.Context, executeID string, rule *Rule, frames FrameSet, lease *dynamicLease) *ExecuteResult {
	info := rule.Execute
	res := &ExecuteResult{Type: info.Type}

	s.logger.Info("executing rule actions", "rule_id", rule.ID, "execute_id", executeID, "type", string(info.Type))

	switch info.Type {
	case ExecuteStatic:
		if len(info.Actions) > 0 {
			res.Actions = s.runActions(ctx, info.Actions)
		}
	case ExecuteDynamic:
		res.Dynamic = &DynamicResult{Descriptions: append([]string(nil), info.DynamicDescriptions...)}
		switch {
		case len(info.DynamicDescriptions) == 0:
			res.Dynamic.Done = true
			s.logger.Warn("dynamic action has no descriptions", "rule_id", rule.ID, "execute_id", executeID)
		case lease == nil:
			s.logger.Warn("dynamic action not started, no runner configured", "rule_id", rule.ID, "execute_id", executeID)
		default:
			task := DynamicTask{ExecuteID: executeID, Rule: rule.DeepCopy(), Frames: frames}
			s.wg.Add(1)
			go s.superviseDynamic(lease.ctx, lease.cancel, lease.release, task)
			res.Dynamic.Started = true
		}
	}

	if len(info.AutomationActions) > 0 {
		res.Automation = s.runActions(ctx, info.AutomationActions)
	}

	if info.Notify != nil && s.notifier != nil {
		ok, err := s.notifier.Notify(ctx, rule.ID, rule.Name, *info.Notify)
		if err != nil {
			s.logger.Warn("notification failed", "rule_id", rule.ID, "notify_id", info.Notify.ID, "error", err)
		}
		res.Notify = &NotifyResult{Notify: *info.Notify, Success: ok && err == nil}
	}

	s.telem.ActionsDispatched(rule, res)
	return res
}

func (s *Supervisor) runActions(ctx context.Context, actions []action.Action) []ActionResult {
	out := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		if s.actions == nil {
			out = append(out, ActionResult{Action: a, Error: "no action executor configured"})
			continue
		}
		out = append(out, runAction(ctx, s.actions, a, s.logger))
	}
	return out
}

func (s *Supervisor) superviseDynamic(ctx context.Context, cancel context.CancelFunc, release func(), task DynamicTask) {
	defer s.wg.Done()
	defer release()
	defer cancel()

	start := time.Now()
	admitted := make(chan struct{})
	var once sync.Once
	admit := func() { once.Do(func() { close(admitted) }) }

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", errRunnerPanic, r)
			}
		}()
		done <- s.runner.Run(ctx, task, admit)
	}()

	admitTimer := time.NewTimer(s.admit)
	defer admitTimer.Stop()

	var err error
	select {
	case <-admitted:
		select {
		case err = <-done:
		case <-ctx.Done():
			err = s.ctxError(ctx)
		}
	case err = <-done:
	case <-admitTimer.C:
		err = ErrDynamicAdmission
	case <-ctx.Done():
		err = s.ctxError(ctx)
	}

	if err != nil && !errors.Is(err, ErrDynamicAdmission) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = ErrDynamicTimeout
	}
	s.finishDynamic(task, err, time.Since(start))
}

func (s *Supervisor) ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDynamicTimeout
	}
	return ctx.Err()
}

func (s *Supervisor) finishDynamic(task DynamicTask, err error, elapsed time.Duration) {
	status := StatusDone
	switch {
	case err == nil:
		s.logger.Info("dynamic action finished", "rule_id", task.Rule.ID, "execute_id", task.ExecuteID, "elapsed", elapsed)
	case errors.Is(err, ErrDynamicTimeout):
		status = StatusTimeout
		s.logger.Error("dynamic action timed out", "rule_id", task.Rule.ID, "execute_id", task.ExecuteID)
	case errors.Is(err, ErrDynamicAdmission):
		status = StatusTimeout
		s.logger.Error("dynamic action not admitted", "rule_id", task.Rule.ID, "execute_id", task.ExecuteID)
		s.recordDynamicFailure(task, status, err)
	default:
		status = StatusFailed
		s.logger.Error("dynamic action failed", "rule_id", task.Rule.ID, "execute_id", task.ExecuteID, "error", err)
		if errors.Is(err, errRunnerPanic) {
			s.recordDynamicFailure(task, status, err)
		}
	}
	s.telem.DynamicFinished(task.Rule, status, elapsed)
}

// recordDynamicFailure writes the completion record for a task that never
// got to write its own.
func (s *Supervisor) recordDynamicFailure(task DynamicTask, status LogStatus, err error) {
	if s.logs == nil {
		return
	}
	rec := &RuleLog{
		RuleID:    task.Rule.ID,
		RuleName:  task.Rule.Name,
		Condition: task.Rule.Condition,
		ExecuteID: task.ExecuteID,
		Kind:      LogDynamic,
		Fired:     true,
		Execute: &ExecuteResult{
			Type:    ExecuteDynamic,
			Dynamic: &DynamicResult{Descriptions: task.Rule.Execute.DynamicDescriptions},
		},
		Status: status,
		Error:  err.Error(),
	}
	if _, logErr := s.logs.Create(context.Background(), rec); logErr != nil {
		s.logger.Error("saving dynamic log failed", "rule_id", task.Rule.ID, "error", logErr)
	}
}

// Shutdown cancels in-flight dynamic actions and waits for their
// supervisors to release them, or for ctx to end.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.rootCancel()
	s.registry.CancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

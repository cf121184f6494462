package trigger

import (
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
)

// ExecuteType selects how a fired rule's primary actions are produced.
type ExecuteType string

const (
	// ExecuteStatic runs the pre-declared action list.
	ExecuteStatic ExecuteType = "static"

	// ExecuteDynamic plans actions from descriptions at run time.
	ExecuteDynamic ExecuteType = "dynamic"
)

// ExecuteInfo declares what happens when a rule fires. Automation actions
// and the notification run whatever the type.
type ExecuteInfo struct {
	Type                ExecuteType          `json:"type" yaml:"type"`
	Actions             []action.Action      `json:"actions,omitempty" yaml:"actions,omitempty"`
	DynamicDescriptions []string             `json:"dynamic_descriptions,omitempty" yaml:"dynamic_descriptions,omitempty"`
	AutomationActions   []action.Action      `json:"automation_actions,omitempty" yaml:"automation_actions,omitempty"`
	Notify              *action.Notification `json:"notify,omitempty" yaml:"notify,omitempty"`
}

// RuleKind is the shape of a rule, which decides how it is evaluated.
type RuleKind int

const (
	// KindUnbound rules declare neither cameras nor devices and are never
	// evaluated.
	KindUnbound RuleKind = iota

	// KindCamera rules are evaluated per camera channel by the vision
	// backend and fire when any channel is true.
	KindCamera

	// KindDevice rules are evaluated once over device state and fire on a
	// false-to-true edge.
	KindDevice
)

// String returns the kind name used in logs and telemetry.
func (k RuleKind) String() string {
	switch k {
	case KindCamera:
		return "camera"
	case KindDevice:
		return "device"
	default:
		return "unbound"
	}
}

// Rule binds a natural-language condition to actions.
type Rule struct {
	ID        string      `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Condition string      `json:"condition" yaml:"condition"`
	Cameras   []string    `json:"cameras,omitempty" yaml:"cameras,omitempty"`
	Devices   []string    `json:"devices,omitempty" yaml:"devices,omitempty"`
	Execute   ExecuteInfo `json:"execute" yaml:"execute"`
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time   `json:"created_at" yaml:"-"`
	UpdatedAt time.Time   `json:"updated_at" yaml:"-"`
}

// Kind reports the rule's shape. Cameras take precedence over devices.
func (r *Rule) Kind() RuleKind {
	switch {
	case len(r.Cameras) > 0:
		return KindCamera
	case len(r.Devices) > 0:
		return KindDevice
	default:
		return KindUnbound
	}
}

// DeepCopy creates an independent copy of the rule.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Cameras = append([]string(nil), r.Cameras...)
	cp.Devices = append([]string(nil), r.Devices...)
	cp.Execute.Actions = copyActions(r.Execute.Actions)
	cp.Execute.AutomationActions = copyActions(r.Execute.AutomationActions)
	cp.Execute.DynamicDescriptions = append([]string(nil), r.Execute.DynamicDescriptions...)
	if r.Execute.Notify != nil {
		n := *r.Execute.Notify
		cp.Execute.Notify = &n
	}
	return &cp
}

func copyActions(in []action.Action) []action.Action {
	if in == nil {
		return nil
	}
	out := make([]action.Action, len(in))
	for i, a := range in {
		out[i] = a.DeepCopy()
	}
	return out
}

// GlobalKey is the post-filter key of results not tied to a camera.
const GlobalKey = "global"

// ConditionResult is one verdict from one evaluation cycle.
type ConditionResult struct {
	// CameraID is empty for device-state verdicts.
	CameraID   string   `json:"camera_id,omitempty"`
	CameraName string   `json:"camera_name,omitempty"`
	Channel    int      `json:"channel"`
	Result     bool     `json:"result"`
	Images     []string `json:"images,omitempty"`
}

// Key returns "camera,channel" or GlobalKey.
func (c ConditionResult) Key() string {
	if c.CameraID == "" {
		return GlobalKey
	}
	return c.CameraID + "," + itoa(c.Channel)
}

// ActionResult records one executed action.
type ActionResult struct {
	Action  action.Action `json:"action"`
	Success bool          `json:"success"`
	Output  string        `json:"output,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// DynamicResult records the dynamic branch of an execution.
type DynamicResult struct {
	Done         bool     `json:"done"`
	Started      bool     `json:"started"`
	Descriptions []string `json:"descriptions,omitempty"`
}

// NotifyResult records the notification branch.
type NotifyResult struct {
	Notify  action.Notification `json:"notify"`
	Success bool                `json:"success"`
}

// ExecuteResult is everything dispatched for one firing.
type ExecuteResult struct {
	Type       ExecuteType    `json:"type"`
	Actions    []ActionResult `json:"actions,omitempty"`
	Dynamic    *DynamicResult `json:"dynamic,omitempty"`
	Automation []ActionResult `json:"automation,omitempty"`
	Notify     *NotifyResult  `json:"notify,omitempty"`
}

// Failed returns how many actions reported failure.
func (e *ExecuteResult) Failed() int {
	if e == nil {
		return 0
	}
	n := 0
	for _, r := range e.Actions {
		if !r.Success {
			n++
		}
	}
	for _, r := range e.Automation {
		if !r.Success {
			n++
		}
	}
	return n
}

// Total returns how many actions were attempted.
func (e *ExecuteResult) Total() int {
	if e == nil {
		return 0
	}
	return len(e.Actions) + len(e.Automation)
}

// LogKind distinguishes evaluation records from dynamic completions.
type LogKind string

const (
	LogEvaluation LogKind = "evaluation"
	LogDynamic    LogKind = "dynamic"
)

// LogStatus is the final state of a log record.
type LogStatus string

const (
	StatusDone    LogStatus = "done"
	StatusRunning LogStatus = "running"
	StatusSkipped LogStatus = "skipped"
	StatusFailed  LogStatus = "failed"
	StatusTimeout LogStatus = "timeout"
)

// RuleLog is one persisted record of an evaluation or a dynamic run.
type RuleLog struct {
	ID             string            `json:"id"`
	RuleID         string            `json:"rule_id"`
	RuleName       string            `json:"rule_name"`
	Condition      string            `json:"condition"`
	ExecuteID      string            `json:"execute_id"`
	Kind           LogKind           `json:"kind"`
	TriggerSources []string          `json:"trigger_sources"`
	Results        []ConditionResult `json:"condition_results"`
	Fired          bool              `json:"fired"`
	Execute        *ExecuteResult    `json:"execute_result,omitempty"`
	Status         LogStatus         `json:"status"`
	Error          string            `json:"error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// FiredEvent is published whenever a rule fires.
type FiredEvent struct {
	RuleID    string            `json:"rule_id"`
	RuleName  string            `json:"rule_name"`
	ExecuteID string            `json:"execute_id"`
	Sources   []string          `json:"trigger_sources,omitempty"`
	Results   []ConditionResult `json:"condition_results"`
	Skipped   bool              `json:"skipped,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// GenerateID returns a new random identifier.
func GenerateID() string {
	return uuid.NewString()
}

package action

import (
	"context"
	"fmt"
	"maps"
)

// Action is a reference to one tool on one executor, with its input.
type Action struct {
	ID string `json:"id,omitempty" yaml:"id,omitempty"`
	// Name is a human readable label used in logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ClientID selects the executor ("hub", "mqtt" or an MCP server id).
	ClientID string         `json:"client_id" yaml:"client_id"`
	ToolName string         `json:"tool_name" yaml:"tool_name"`
	Input    map[string]any `json:"input,omitempty" yaml:"input,omitempty"`
}

// Ref returns "client/tool".
func (a Action) Ref() string {
	return a.ClientID + "/" + a.ToolName
}

// DeepCopy returns a copy whose input map is independent of a's.
func (a Action) DeepCopy() Action {
	out := a
	if a.Input != nil {
		out.Input = deepCopyMap(a.Input)
	}
	return out
}

// Validate checks the fields every executor needs.
func (a Action) Validate() error {
	if a.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrInvalidAction)
	}
	if a.ToolName == "" {
		return fmt.Errorf("%w: tool_name is required", ErrInvalidAction)
	}
	return nil
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = deepCopyMap(t)
		case []any:
			cp := make([]any, len(t))
			copy(cp, t)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Result is the outcome of one execution.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
}

// Tool describes one invocable tool for the dynamic planner.
type Tool struct {
	ClientID    string `json:"client_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Executor runs tools for one client id.
type Executor interface {
	Execute(ctx context.Context, toolName string, input map[string]any) (Result, error)
}

// Lister is implemented by executors that can describe their tools.
type Lister interface {
	Tools(ctx context.Context) ([]Tool, error)
}

// Notification is a user-facing message attached to a rule.
type Notification struct {
	ID      string `json:"id" yaml:"id"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, ruleID, ruleName string, n Notification) (bool, error)
}

// inputCopy returns a shallow copy so executors never share caller maps.
func inputCopy(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return maps.Clone(in)
}

package trigger

import (
	"errors"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
)

func TestValidateRule(t *testing.T) {
	valid := func() *Rule {
		r := testRule("r1")
		r.Devices = []string{"dev-1"}
		return r
	}

	tests := []struct {
		name   string
		mutate func(r *Rule)
		ok     bool
	}{
		{"valid", func(*Rule) {}, true},
		{"empty name", func(r *Rule) { r.Name = " " }, false},
		{"long name", func(r *Rule) { r.Name = strings.Repeat("x", maxNameLength+1) }, false},
		{"empty condition", func(r *Rule) { r.Condition = "" }, false},
		{"long condition", func(r *Rule) { r.Condition = strings.Repeat("x", maxConditionLength+1) }, false},
		{"duplicate device", func(r *Rule) { r.Devices = []string{"a", "a"} }, false},
		{"empty camera id", func(r *Rule) { r.Cameras = []string{""} }, false},
		{"bad execute type", func(r *Rule) { r.Execute.Type = "magic" }, false},
		{"action without tool", func(r *Rule) {
			r.Execute.Actions = []action.Action{{ClientID: "hub"}}
		}, false},
		{"automation action without client", func(r *Rule) {
			r.Execute.AutomationActions = []action.Action{{ToolName: "x"}}
		}, false},
		{"blank description", func(r *Rule) {
			r.Execute.Type = ExecuteDynamic
			r.Execute.DynamicDescriptions = []string{"turn on", " "}
		}, false},
		{"notify without id", func(r *Rule) { r.Execute.Notify = &action.Notification{} }, false},
		{"unbound rule is still valid", func(r *Rule) { r.Devices = nil }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			err := ValidateRule(r)
			if tt.ok && err != nil {
				t.Errorf("ValidateRule() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRule) {
				t.Errorf("ValidateRule() error = %v, want ErrInvalidRule", err)
			}
		})
	}
}

func TestRuleKindAndKey(t *testing.T) {
	r := testRule("r1")
	if r.Kind() != KindUnbound {
		t.Errorf("Kind() = %v, want unbound", r.Kind())
	}
	r.Devices = []string{"d"}
	if r.Kind() != KindDevice {
		t.Errorf("Kind() = %v, want device", r.Kind())
	}
	r.Cameras = []string{"c"}
	if r.Kind() != KindCamera {
		t.Errorf("Kind() = %v, want camera", r.Kind())
	}

	if got := (ConditionResult{CameraID: "cam1", Channel: 2}).Key(); got != "cam1,2" {
		t.Errorf("Key() = %q", got)
	}
	if got := (ConditionResult{}).Key(); got != GlobalKey {
		t.Errorf("Key() = %q, want global", got)
	}
}

package trigger

import (
	"fmt"
	"strconv"
	"strings"
)

// Validation constants.
const (
	maxNameLength      = 100
	maxConditionLength = 2000
	maxActions         = 50
	maxDescriptions    = 20
	maxTargets         = 50
)

// ValidateRule checks a rule before it is persisted.
// It returns an error describing the first problem found.
func ValidateRule(r *Rule) error {
	if r == nil {
		return ErrInvalidRule
	}

	name := strings.TrimSpace(r.Name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRule, maxNameLength)
	}

	cond := strings.TrimSpace(r.Condition)
	if cond == "" {
		return fmt.Errorf("%w: condition is required", ErrInvalidRule)
	}
	if len(cond) > maxConditionLength {
		return fmt.Errorf("%w: condition exceeds %d characters", ErrInvalidRule, maxConditionLength)
	}

	if len(r.Cameras) > maxTargets || len(r.Devices) > maxTargets {
		return fmt.Errorf("%w: at most %d cameras and %d devices", ErrInvalidRule, maxTargets, maxTargets)
	}
	if err := validateIDs("camera", r.Cameras); err != nil {
		return err
	}
	if err := validateIDs("device", r.Devices); err != nil {
		return err
	}

	return validateExecute(&r.Execute)
}

func validateIDs(kind string, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: empty %s id", ErrInvalidRule, kind)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate %s id %q", ErrInvalidRule, kind, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func validateExecute(e *ExecuteInfo) error {
	switch e.Type {
	case ExecuteStatic, ExecuteDynamic:
	default:
		return fmt.Errorf("%w: execute type %q", ErrInvalidRule, e.Type)
	}

	if len(e.Actions) > maxActions || len(e.AutomationActions) > maxActions {
		return fmt.Errorf("%w: exceeds maximum of %d actions", ErrInvalidRule, maxActions)
	}
	for i, a := range e.Actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: action %d: %w", ErrInvalidRule, i, err)
		}
	}
	for i, a := range e.AutomationActions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: automation action %d: %w", ErrInvalidRule, i, err)
		}
	}

	if len(e.DynamicDescriptions) > maxDescriptions {
		return fmt.Errorf("%w: exceeds maximum of %d dynamic descriptions", ErrInvalidRule, maxDescriptions)
	}
	for i, d := range e.DynamicDescriptions {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("%w: dynamic description %d is empty", ErrInvalidRule, i)
		}
	}

	if e.Notify != nil && e.Notify.ID == "" {
		return fmt.Errorf("%w: notify id is required", ErrInvalidRule)
	}
	return nil
}

// applyDefaults fills an empty execute type.
func applyDefaults(r *Rule) {
	if r.Execute.Type == "" {
		r.Execute.Type = ExecuteStatic
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

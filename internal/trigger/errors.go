package trigger

import (
	"errors"

	"github.com/nerrad567/gray-logic-trigger/internal/inference"
)

// Domain errors for the trigger package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, trigger.ErrRuleNotFound) {
//	    // handle not found case
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("trigger: rule not found")

	// ErrRuleExists is returned when creating a rule whose ID is taken.
	ErrRuleExists = errors.New("trigger: rule already exists")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("trigger: invalid rule")

	// ErrLogNotFound is returned when a log ID does not exist.
	ErrLogNotFound = errors.New("trigger: log not found")

	// ErrEvaluation wraps a failed or unparseable inference call. It
	// contributes no verdict; it is not the same as a false result.
	ErrEvaluation = errors.New("trigger: evaluation failed")

	// ErrNoJSON is returned when an inference reply has no JSON object.
	ErrNoJSON = inference.ErrNoJSON

	// ErrNoModel is returned when no inference backend can serve a rule.
	ErrNoModel = errors.New("trigger: no inference backend available")

	// ErrDynamicRunning is returned when a rule already has a dynamic
	// action in flight.
	ErrDynamicRunning = errors.New("trigger: dynamic action already running")

	// ErrDynamicAdmission is returned when a dynamic action does not
	// report admission in time.
	ErrDynamicAdmission = errors.New("trigger: dynamic action admission timed out")

	// ErrDynamicTimeout is returned when a dynamic action exceeds its
	// lifetime.
	ErrDynamicTimeout = errors.New("trigger: dynamic action timed out")
)

package action

import "errors"

// Domain errors for the action package.
var (
	// ErrExecution is returned when an executor fails to run an action.
	ErrExecution = errors.New("action: execution failed")

	// ErrUnknownClient is returned when no executor is registered for an
	// action's client id.
	ErrUnknownClient = errors.New("action: unknown client")

	// ErrInvalidInput is returned when an action's input cannot be decoded.
	ErrInvalidInput = errors.New("action: invalid input")

	// ErrInvalidAction is returned by Validate.
	ErrInvalidAction = errors.New("action: invalid action")
)

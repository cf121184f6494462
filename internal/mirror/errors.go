package mirror

import "errors"

// Domain-specific errors for the hub session.
var (
	// ErrTransport covers dial failures and socket read/write errors.
	ErrTransport = errors.New("mirror: transport error")

	// ErrProtocol indicates the hub broke the expected handshake sequence
	// or rejected a command. Handled exactly like ErrTransport.
	ErrProtocol = errors.New("mirror: protocol error")

	// ErrNotConfigured is reported while the endpoint or credential is missing.
	ErrNotConfigured = errors.New("mirror: hub url or token not configured")

	// ErrNotConnected is returned by HealthCheck when no live session exists.
	ErrNotConnected = errors.New("mirror: not connected")

	// errRestart ends a session after SetConfig changed the endpoint or token.
	errRestart = errors.New("mirror: configuration changed")
)

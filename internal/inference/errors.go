package inference

import "errors"

var (
	// ErrNotConfigured is returned when a backend has no base URL or model.
	ErrNotConfigured = errors.New("inference: backend not configured")

	// ErrBackend wraps non-success responses from the backend.
	ErrBackend = errors.New("inference: backend error")

	// ErrEmptyResponse means the backend answered without any choice.
	ErrEmptyResponse = errors.New("inference: empty response")

	// ErrNoJSON means no JSON object could be found in a model reply.
	ErrNoJSON = errors.New("inference: no JSON object in content")
)

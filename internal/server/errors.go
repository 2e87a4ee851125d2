package server

import "errors"

// Sentinel errors for the operator's HTTP surface. They distinguish
// request-scoped failures (returned to the caller) from background
// failures (logged and swallowed).
var (
	// ErrNoCapableNode means no registered worker advertises the
	// requested model. Surfaced as HTTP 404.
	ErrNoCapableNode = errors.New("no worker advertises this model")

	// ErrUnknownJob means a chunk or done notification arrived for a
	// job_id the Queue doesn't know about. Callers treat this as a
	// silent no-op, not an error response.
	ErrUnknownJob = errors.New("unknown job")

	// ErrBadRequest means a malformed payload. Surfaced as HTTP 400.
	ErrBadRequest = errors.New("bad request")
)

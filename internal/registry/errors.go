package registry

import "errors"

var (
	// ErrNotFound means the requested session has no row. Callers treat
	// this as "nothing to coordinate", not as a failure.
	ErrNotFound = errors.New("session not found")

	// ErrUnavailable wraps backend failures. A caller seeing this must
	// not assume the write left state unchanged; re-fetch before any
	// dependent decision.
	ErrUnavailable = errors.New("registry backend unavailable")

	// ErrClosed is returned for operations after Close.
	ErrClosed = errors.New("registry is closed")
)

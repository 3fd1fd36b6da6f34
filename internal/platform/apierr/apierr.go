// Package apierr defines the error taxonomy shared by every runtime component.
//
// Callers compare against the sentinels with errors.Is; producers attach
// context with fmt.Errorf("%w: ...", apierr.ErrNotFound).
package apierr

import "errors"

var (
	// ErrSpawnFailed covers missing executables and exec failures; capacity
	// rejection is reported as ErrCapacityExceeded.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrNotFound means an unknown agent, lease, session, or token id.
	ErrNotFound = errors.New("not found")
	// ErrGone means an operation targeted an agent in a terminal state.
	ErrGone = errors.New("gone")
	// ErrTimeout means a deadline elapsed before the operation completed.
	ErrTimeout = errors.New("timeout")
	// ErrConflict means a lease is already held or a token mismatched.
	ErrConflict = errors.New("conflict")
	// ErrUnsupported means the requested operation has no meaning on this platform.
	ErrUnsupported = errors.New("unsupported")
	// ErrAuthFailed means a bearer token was invalid, expired, or revoked.
	ErrAuthFailed = errors.New("auth failed")
	// ErrTransport covers framing, codec, and socket failures.
	ErrTransport = errors.New("transport error")
	// ErrQueueFull means an offline command queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrCapacityExceeded means the registry is at max_concurrent_agents.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrInvalidRequest means the caller supplied a malformed or out-of-range request.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInternal marks an invariant violation. Logged at error level, never panics
	// on caller input, reserved for genuine programming-bug conditions.
	ErrInternal = errors.New("internal error")
	// ErrNotOwner means a lease renew/release was attempted by an agent_id
	// other than the one that holds it.
	ErrNotOwner = errors.New("not owner")
	// ErrTooManyRenewals means a lease renew was attempted at or past its
	// bounded max_renewals.
	ErrTooManyRenewals = errors.New("too many renewals")
)

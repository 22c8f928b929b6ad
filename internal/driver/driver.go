package driver

import (
	"context"
	"errors"
)

// Endpoint is the reachable worker an acquired session can be
// dispatched against.
type Endpoint struct {
	SessionID string
	BaseURL   string
}

// Driver acquires and releases a worker endpoint for a session,
// regardless of whether the underlying substrate is a single static
// worker, a locally-run container, or a container-based orchestrated
// pod/service/volume triple.
type Driver interface {
	// Acquire returns a reachable endpoint for sessionID, creating the
	// underlying worker if it does not already exist. Acquire must be
	// safe to call repeatedly for the same session (idempotent reuse).
	Acquire(ctx context.Context, sessionID string) (*Endpoint, error)

	// Release tears down (or marks idle) the worker backing sessionID.
	// Release is best-effort: callers proceed regardless of its error.
	Release(ctx context.Context, sessionID string) error

	// Health reports whether ep is currently reachable.
	Health(ctx context.Context, ep *Endpoint) bool

	// Close stops any background goroutines (e.g. the idle reaper) and
	// releases driver-held resources.
	Close() error
}

// ErrUnsupported is the error for a driver operation that a given
// shape does not implement. No current shape returns it; the static
// driver's Release, for instance, is a no-op that returns nil.
var ErrUnsupported = errors.New("operation not supported by this driver")

// Package runtime abstracts the two supported worker backends — a local
// subprocess and a container — behind a single contract. Upper layers
// (registry, health, autoscaler, controller) depend only on Adapter and
// never branch on backend kind.
package runtime

import "context"

// State is the adapter's four-value summary of a worker's runtime status.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateExited
	StateNotFound
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// PullPolicy controls image preparation for the container backend.
type PullPolicy string

const (
	PullAlways  PullPolicy = "always"
	PullMissing PullPolicy = "missing"
	PullNever   PullPolicy = "never"
)

// Handle is an opaque reference to the subprocess or container backing a
// Worker. Kind distinguishes which adapter owns it; ID is a PID (subprocess)
// or a container ID (container).
type Handle struct {
	Kind string
	ID   string
}

// Adapter is the Worker Runtime Adapter contract. Both implementations
// (SubprocessAdapter, ContainerAdapter) satisfy it identically from the
// caller's perspective.
type Adapter interface {
	// Create starts a worker bound to port on localhost and returns a
	// handle to the running entity.
	Create(ctx context.Context, port int, name string) (Handle, error)

	// Terminate initiates graceful termination, waits a grace window, then
	// force-kills. Idempotent.
	Terminate(ctx context.Context, h Handle) error

	// State queries the runtime for the current lifecycle state of h.
	State(ctx context.Context, h Handle) (State, error)

	// ListOwned enumerates runtime entities owned by a prior controller
	// lifetime (by name prefix). Returns an empty slice if the backend
	// cannot reclaim orphans.
	ListOwned(ctx context.Context) ([]string, error)

	// Prepare runs one-time setup (e.g. image pull) before the pool starts.
	Prepare(ctx context.Context) error
}

// OrphanTerminator is implemented by adapters whose ListOwned results can be
// terminated directly by name (container backend). The subprocess backend
// does not implement it since it never reclaims orphans.
type OrphanTerminator interface {
	TerminateNamed(ctx context.Context, name string) error
}

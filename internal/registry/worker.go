// Package registry owns the Pool: the ordered set of Worker records and
// every mutation that can happen to them. Nothing outside this package
// writes to a Worker's fields directly.
package registry

import (
	"sync"
	"time"

	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

// Phase is a Worker's lifecycle phase.
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker is one pool member. All fields are accessed through the
// mutex-guarded methods below; other packages change a Worker only by
// calling them.
type Worker struct {
	id     string
	port   int
	handle runtime.Handle
	name   string

	mu             sync.Mutex
	phase          Phase
	healthy        bool
	lastHealthyTS  time.Time
	activeRequests int
	totalRequests  int64
	lastRequestTS  time.Time
	responseTimeMs float64
	seq            uint64
}

// ID returns the worker's opaque identifier. Immutable after construction.
func (w *Worker) ID() string { return w.id }

// Port returns the host port this worker was allocated. Immutable.
func (w *Worker) Port() int { return w.port }

// Handle returns the runtime handle backing this worker. Immutable.
func (w *Worker) Handle() runtime.Handle { return w.handle }

// Name returns the worker's runtime name (process/container name). Immutable.
func (w *Worker) Name() string { return w.name }

// Seq returns the worker's insertion sequence number, used to break ties by
// oldest-first in dispatcher and autoscaler selection.
func (w *Worker) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

func (w *Worker) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

func (w *Worker) SetPhase(p Phase) {
	w.mu.Lock()
	w.phase = p
	w.mu.Unlock()
}

func (w *Worker) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy
}

// SetHealthy flips the healthy flag and, when becoming healthy, stamps
// last_healthy_ts — the sole write site the prober uses.
func (w *Worker) SetHealthy(healthy bool, now time.Time) {
	w.mu.Lock()
	w.healthy = healthy
	if healthy {
		w.lastHealthyTS = now
	}
	w.mu.Unlock()
}

func (w *Worker) LastHealthyTS() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHealthyTS
}

func (w *Worker) ActiveRequests() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeRequests
}

func (w *Worker) TotalRequests() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRequests
}

func (w *Worker) LastRequestTS() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRequestTS
}

func (w *Worker) ResponseTimeMs() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.responseTimeMs
}

// Load computes load(w) = active_requests(w) + max(0, (response_time_ms(w)
// - 100) / 1000), the dispatcher's and autoscaler's sole ranking signal.
func (w *Worker) Load() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	penalty := (w.responseTimeMs - 100) / 1000
	if penalty < 0 {
		penalty = 0
	}
	return float64(w.activeRequests) + penalty
}

// beginRequest increments active_requests and total_requests and stamps
// last_request_ts. Called only from Registry.Dispatch under the registry's
// write lock, so it assumes exclusion rather than taking its own lock beyond
// what's needed for readers outside that path.
func (w *Worker) beginRequest(now time.Time) {
	w.mu.Lock()
	w.activeRequests++
	w.totalRequests++
	w.lastRequestTS = now
	w.mu.Unlock()
}

// EndRequest decrements active_requests and, on success, overwrites
// response_time_ms with the latest sample (last-sample-overwrite, success
// path only).
func (w *Worker) EndRequest(success bool, elapsedMs float64) {
	w.mu.Lock()
	if w.activeRequests > 0 {
		w.activeRequests--
	}
	if success {
		w.responseTimeMs = elapsedMs
	}
	w.mu.Unlock()
}

// Snapshot is an immutable copy of a Worker's observable state, safe to hand
// to callers outside the registry (status endpoint, metrics, tests).
type Snapshot struct {
	ID             string    `json:"id"`
	RuntimeID      string    `json:"runtime_id"` // container ID or subprocess PID
	Port           int       `json:"port"`
	Name           string    `json:"name,omitempty"`
	Phase          string    `json:"phase"`
	Healthy        bool      `json:"healthy"`
	LastHealthyTS  time.Time `json:"last_healthy_ts,omitempty"`
	ActiveRequests int       `json:"active_requests"`
	TotalRequests  int64     `json:"total_requests"`
	LastRequestTS  time.Time `json:"last_request_ts,omitempty"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Load           float64   `json:"load"`
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	penalty := (w.responseTimeMs - 100) / 1000
	if penalty < 0 {
		penalty = 0
	}
	return Snapshot{
		ID:             w.id,
		RuntimeID:      w.handle.ID,
		Port:           w.port,
		Name:           w.name,
		Phase:          w.phase.String(),
		Healthy:        w.healthy,
		LastHealthyTS:  w.lastHealthyTS,
		ActiveRequests: w.activeRequests,
		TotalRequests:  w.totalRequests,
		LastRequestTS:  w.lastRequestTS,
		ResponseTimeMs: w.responseTimeMs,
		Load:           float64(w.activeRequests) + penalty,
	}
}

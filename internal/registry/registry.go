package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

// ErrNoHealthyWorkers is returned by Dispatch when no worker in the pool is
// currently healthy (the proxy maps this to a 503).
var ErrNoHealthyWorkers = errors.New("registry: no healthy workers")

// ErrWorkerNotFound is returned when a lookup by ID matches nothing in the
// pool.
var ErrWorkerNotFound = errors.New("registry: worker not found")

// Registry owns the Pool — the full ordered set of Workers — and is the only
// component allowed to insert, remove, or dispatch against it. All state
// lives behind one mutex, with a monotonic, never-reused port allocator.
type Registry struct {
	mu sync.Mutex

	workers  map[string]*Worker
	order    []string // insertion order, for tie-breaking
	nextSeq  uint64
	basePort int
	nextPort int
}

// New creates an empty Registry that allocates ports starting at basePort.
func New(basePort int) *Registry {
	return &Registry{
		workers:  make(map[string]*Worker),
		basePort: basePort,
		nextPort: basePort,
	}
}

// AllocatePort returns the next never-reused port. Ports are never recycled
// even after a worker is removed.
func (r *Registry) AllocatePort() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.nextPort
	r.nextPort++
	return p
}

// NewWorker constructs and inserts a new Worker record in PhaseStarting,
// unhealthy, with zeroed counters. name is the runtime name passed to the
// adapter's Create call.
func (r *Registry) NewWorker(port int, handle runtime.Handle, name string) *Worker {
	w := &Worker{
		id:     uuid.NewString(),
		port:   port,
		handle: handle,
		name:   name,
		phase:  PhaseStarting,
	}

	r.mu.Lock()
	w.seq = r.nextSeq
	r.nextSeq++
	r.workers[w.id] = w
	r.order = append(r.order, w.id)
	r.mu.Unlock()

	return w
}

// Remove deletes a worker from the pool by ID. A no-op if the ID is unknown.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return
	}
	delete(r.workers, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// FindByID returns the worker with the given ID, or ErrWorkerNotFound.
func (r *Registry) FindByID(id string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// Snapshot returns all workers in insertion order. Safe to call concurrently
// with any other Registry method.
func (r *Registry) Snapshot() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Len returns the current pool size.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Counts returns the total pool size and the number of workers currently
// marked healthy, for the proxy's 503 body.
func (r *Registry) Counts() (total, healthy int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total = len(r.order)
	for _, id := range r.order {
		if r.workers[id].Healthy() {
			healthy++
		}
	}
	return total, healthy
}

// Dispatch atomically picks the least-loaded healthy, Running worker and
// increments its accounting counters in the same critical section, so no
// concurrent dispatch can observe a stale load value between pick and
// increment. Ties break on lowest Seq (oldest worker first).
func (r *Registry) Dispatch(now time.Time) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Worker
	var bestLoad float64
	for _, id := range r.order {
		w := r.workers[id]
		if w.Phase() != PhaseRunning || !w.Healthy() {
			continue
		}
		load := w.Load()
		if best == nil || load < bestLoad || (load == bestLoad && w.Seq() < best.Seq()) {
			best = w
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrNoHealthyWorkers
	}

	best.beginRequest(now)
	return best, nil
}

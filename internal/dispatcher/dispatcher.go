// Package dispatcher is the thin seam between the proxy's data path and the
// registry's atomic pick+increment, kept as its own package so the proxy
// never reaches into registry internals directly.
package dispatcher

import (
	"time"

	"github.com/adityaadpandey/dynproxy/internal/registry"
)

// Dispatcher selects the least-loaded healthy worker for each request,
// rather than handing out any free worker from a fixed semaphore.
type Dispatcher struct {
	reg *registry.Registry
}

func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Pick selects and reserves the least-loaded healthy worker, or returns
// registry.ErrNoHealthyWorkers. Pick and EndRequest must be paired by the
// caller around the request's lifetime.
func (d *Dispatcher) Pick() (*registry.Worker, error) {
	return d.reg.Dispatch(time.Now())
}

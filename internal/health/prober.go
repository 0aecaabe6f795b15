// Package health periodically probes every non-stopped worker over HTTP and
// marks it healthy/unhealthy, evicting workers unhealthy past a threshold.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adityaadpandey/dynproxy/internal/logging"
	"github.com/adityaadpandey/dynproxy/internal/registry"
)

// Config configures probing cadence and the unhealthy-eviction threshold.
type Config struct {
	Path          string        // HTTP path probed on each worker, e.g. "/healthz"
	CheckInterval time.Duration // steady-state probe cadence
	ProbeTimeout  time.Duration
	EvictAfter    time.Duration // how long unhealthy before eviction

	WarmUpInterval time.Duration // cadence during warm-up
	WarmUpWindow   time.Duration // bound on warm-up retries
}

// DefaultConfig returns the steady-state probe cadence, timeout, eviction
// threshold, and warm-up bounds used when no override is configured.
func DefaultConfig() Config {
	return Config{
		Path:           "/health",
		CheckInterval:  5 * time.Second,
		ProbeTimeout:   2 * time.Second,
		EvictAfter:     60 * time.Second,
		WarmUpInterval: 1 * time.Second,
		WarmUpWindow:   30 * time.Second,
	}
}

// tick bounds CheckInterval to 5s max.
func (c Config) tick() time.Duration {
	if c.CheckInterval <= 0 || c.CheckInterval > 5*time.Second {
		return 5 * time.Second
	}
	return c.CheckInterval
}

// Evictor is implemented by the controller: the prober calls it once a
// worker has been continuously unhealthy past EvictAfter.
type Evictor interface {
	EvictUnhealthy(ctx context.Context, w *registry.Worker)
}

// Prober runs the steady-state health loop: a bounded-retry warm-up phase
// for newly created workers, then concurrent per-worker probes that classify
// strictly on a 200 OK response and evict workers unhealthy past a threshold.
type Prober struct {
	reg     *registry.Registry
	cfg     Config
	client  *http.Client
	log     zerolog.Logger
	evictor Evictor

	mu            sync.Mutex
	unhealthySinc map[string]time.Time
}

// New creates a Prober bound to reg, probing each worker at "http://127.0.0.1:<port><Path>".
func New(reg *registry.Registry, cfg Config, evictor Evictor) *Prober {
	return &Prober{
		reg:           reg,
		cfg:           cfg,
		evictor:       evictor,
		log:           logging.WithComponent("health"),
		client:        &http.Client{Timeout: cfg.ProbeTimeout},
		unhealthySinc: make(map[string]time.Time),
	}
}

func (p *Prober) probeOnce(ctx context.Context, w *registry.Worker) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", w.Port(), p.cfg.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// WarmUp polls w until it answers 200 or WarmUpWindow elapses, used once
// right after a worker is created and before it is allowed into Running
// phase. Callers select the window via cfg.WarmUpWindow (containers
// typically need a longer window than subprocesses).
func (p *Prober) WarmUp(ctx context.Context, w *registry.Worker) bool {
	deadline := time.Now().Add(p.cfg.WarmUpWindow)
	ticker := time.NewTicker(p.cfg.WarmUpInterval)
	defer ticker.Stop()

	for {
		if p.probeOnce(ctx, w) {
			w.SetHealthy(true, time.Now())
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Run drives the steady-state probe loop until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

// probeAll probes every non-stopped worker concurrently, one goroutine per
// worker.
func (p *Prober) probeAll(ctx context.Context) {
	workers := p.reg.Snapshot()
	var wg sync.WaitGroup
	for _, w := range workers {
		if w.Phase() == registry.PhaseStopped {
			continue
		}
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeAndClassify(ctx, w)
		}()
	}
	wg.Wait()
}

func (p *Prober) probeAndClassify(ctx context.Context, w *registry.Worker) {
	ok := p.probeOnce(ctx, w)
	now := time.Now()
	w.SetHealthy(ok, now)

	p.mu.Lock()
	defer p.mu.Unlock()

	if ok {
		delete(p.unhealthySinc, w.ID())
		return
	}

	since, tracked := p.unhealthySinc[w.ID()]
	if !tracked {
		p.unhealthySinc[w.ID()] = now
		return
	}
	if now.Sub(since) >= p.cfg.EvictAfter {
		delete(p.unhealthySinc, w.ID())
		p.log.Warn().Str("worker_id", w.ID()).Msg("evicting worker unhealthy past threshold")
		p.evictor.EvictUnhealthy(ctx, w)
	}
}

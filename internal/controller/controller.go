// Package controller binds the runtime adapter, registry, prober, autoscaler,
// and proxy into a runnable whole: startup orphan reclaim, min-instance
// warm-up, the steady-state health/autoscale loops, the proxy data path, and
// graceful shutdown, with errgroup for bounded concurrent fan-out.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/adityaadpandey/dynproxy/internal/autoscaler"
	"github.com/adityaadpandey/dynproxy/internal/dispatcher"
	"github.com/adityaadpandey/dynproxy/internal/health"
	"github.com/adityaadpandey/dynproxy/internal/logging"
	"github.com/adityaadpandey/dynproxy/internal/metrics"
	"github.com/adityaadpandey/dynproxy/internal/proxy"
	"github.com/adityaadpandey/dynproxy/internal/registry"
	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

// Config binds the controller's runtime tunables, already materialized from
// internal/config.Config by the caller.
type Config struct {
	NamePrefix      string
	BasePort        int
	Pool            autoscaler.Config
	Health          health.Config
	ProxyTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Image is reported on /lb-status for the container backend; left empty
	// for subprocess.
	Image string
}

// Controller owns every component and is the single process-lifetime
// object cmd/dynproxy wires up.
type Controller struct {
	cfg     Config
	adapter runtime.Adapter
	reg     *registry.Registry
	prober  *health.Prober
	scaler  *autoscaler.Autoscaler
	dispatch *dispatcher.Dispatcher
	proxyH  *proxy.Handler
	metricsC *metrics.Collector
	log     zerolog.Logger

	cancelLoops context.CancelFunc
}

// New wires every component together but starts nothing — call Initialize
// to reclaim orphans, warm up the minimum pool, and start the background
// loops.
func New(cfg Config, adapter runtime.Adapter) *Controller {
	reg := registry.New(cfg.BasePort)
	dispatch := dispatcher.New(reg)
	metricsC := metrics.New(reg)
	proxyH := proxy.New(dispatch, metricsC, reg, cfg.ProxyTimeout)

	c := &Controller{
		cfg:      cfg,
		adapter:  adapter,
		reg:      reg,
		dispatch: dispatch,
		proxyH:   proxyH,
		metricsC: metricsC,
		log:      logging.WithComponent("controller"),
	}

	c.prober = health.New(reg, cfg.Health, c)
	c.scaler = autoscaler.New(reg, cfg.Pool, c, c)

	return c
}

// Initialize reclaims orphaned runtime entities from a prior controller
// lifetime, prepares the adapter (e.g. pulls the configured image), spawns
// MinInstances workers concurrently, and starts the health/autoscale loops.
func (c *Controller) Initialize(ctx context.Context) error {
	if err := c.reclaimOrphans(ctx); err != nil {
		c.log.Warn().Err(err).Msg("orphan reclaim failed, continuing")
	}

	if err := c.adapter.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare adapter: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.cfg.Pool.MinInstances; i++ {
		g.Go(func() error {
			return c.SpawnWorker(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("spawn minimum instances: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancelLoops = cancel
	go c.prober.Run(loopCtx)
	go c.scaler.Run(loopCtx)

	return nil
}

func (c *Controller) reclaimOrphans(ctx context.Context) error {
	names, err := c.adapter.ListOwned(ctx)
	if err != nil {
		return fmt.Errorf("list owned: %w", err)
	}
	terminator, ok := c.adapter.(runtime.OrphanTerminator)
	if !ok {
		return nil
	}
	for _, name := range names {
		c.log.Info().Str("name", name).Msg("reclaiming orphaned runtime entity")
		if err := terminator.TerminateNamed(ctx, name); err != nil {
			c.log.Warn().Err(err).Str("name", name).Msg("failed to reclaim orphan")
		}
	}
	return nil
}

// SpawnWorker allocates a port, creates the backing runtime entity, warms it
// up, and promotes it to Running on success. Implements autoscaler.Spawner.
func (c *Controller) SpawnWorker(ctx context.Context) error {
	port := c.reg.AllocatePort()
	name := fmt.Sprintf("%s-%d", c.cfg.NamePrefix, port)

	handle, err := c.adapter.Create(ctx, port, name)
	if err != nil {
		return fmt.Errorf("create worker %s: %w", name, err)
	}

	w := c.reg.NewWorker(port, handle, name)

	if !c.prober.WarmUp(ctx, w) {
		c.log.Warn().Str("worker_id", w.ID()).Msg("worker failed to become healthy within warm-up window")
		_ = c.adapter.Terminate(ctx, handle)
		c.reg.Remove(w.ID())
		return fmt.Errorf("worker %s did not warm up", name)
	}

	w.SetPhase(registry.PhaseRunning)
	c.log.Info().Str("worker_id", w.ID()).Str("name", name).Msg("worker running")
	return nil
}

// DrainWorker marks w Draining, terminates its runtime entity, and removes
// it from the pool. Implements autoscaler.Drainer.
func (c *Controller) DrainWorker(ctx context.Context, w *registry.Worker) {
	w.SetPhase(registry.PhaseDraining)
	if err := c.adapter.Terminate(ctx, w.Handle()); err != nil {
		c.log.Warn().Err(err).Str("worker_id", w.ID()).Msg("terminate failed during drain")
	}
	w.SetPhase(registry.PhaseStopped)
	c.reg.Remove(w.ID())
}

// EvictUnhealthy terminates and removes a worker the prober has deemed
// unhealthy past the eviction threshold. Implements health.Evictor.
func (c *Controller) EvictUnhealthy(ctx context.Context, w *registry.Worker) {
	c.DrainWorker(ctx, w)
}

// StatusResponse is the /lb-status payload shape.
type StatusResponse struct {
	Total   int                 `json:"total"`
	Healthy int                 `json:"healthy"`
	Image   string              `json:"image,omitempty"`
	Workers []registry.Snapshot `json:"workers"`
}

// Status snapshots the pool for the /lb-status endpoint.
func (c *Controller) Status() StatusResponse {
	workers := c.reg.Snapshot()
	snaps := make([]registry.Snapshot, 0, len(workers))
	healthy := 0
	for _, w := range workers {
		snaps = append(snaps, w.Snapshot())
		if w.Healthy() {
			healthy++
		}
	}
	return StatusResponse{Total: len(snaps), Healthy: healthy, Image: c.cfg.Image, Workers: snaps}
}

func (c *Controller) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.Status())
}

func (c *Controller) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Handler returns the full http.Handler: reserved endpoints plus transparent
// proxying of everything else.
func (c *Controller) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/lb-status", c.serveStatus)
	mux.HandleFunc("/health", c.serveHealth)
	mux.Handle("/metrics", c.metricsC.Handler())
	mux.Handle("/", c.proxyH)
	return mux
}

// Shutdown stops the background loops and terminates every worker
// concurrently, bounded by cfg.ShutdownTimeout.
func (c *Controller) Shutdown(ctx context.Context) error {
	if c.cancelLoops != nil {
		c.cancelLoops()
	}

	deadline := c.cfg.ShutdownTimeout
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, w := range c.reg.Snapshot() {
		w := w
		g.Go(func() error {
			return c.adapter.Terminate(gctx, w.Handle())
		})
	}
	return g.Wait()
}

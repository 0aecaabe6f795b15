// Package autoscaler periodically evaluates pool load and decides whether to
// spawn a new worker, drain an idle one, or do nothing — never more than one
// action per tick, applying a strict rule ordering.
package autoscaler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/adityaadpandey/dynproxy/internal/logging"
	"github.com/adityaadpandey/dynproxy/internal/registry"
)

// Action is the decision an evaluation tick produces.
type Action int

const (
	ActionNone Action = iota
	ActionScaleUp
	ActionScaleDown
)

// Config bounds pool size and sets the evaluation thresholds.
type Config struct {
	MinInstances int
	MaxInstances int
	// ScaleUpLoadThreshold: scale up when avg load across healthy Running
	// workers exceeds this value.
	ScaleUpLoadThreshold float64
	// ScaleDownThreshold: scale down only when avg load across healthy
	// Running workers is below this value.
	ScaleDownThreshold float64
	// IdleFor: a Running, healthy worker with zero active_requests and
	// last_request_ts older than IdleFor is a scale-down candidate.
	IdleFor      time.Duration
	EvalInterval time.Duration
}

// Decision is the evaluated outcome of one tick, including the worker
// selected for eviction when Action is ActionScaleDown.
type Decision struct {
	Action Action
	Target *registry.Worker
}

// Spawner is implemented by the controller: asked to create exactly one new
// worker.
type Spawner interface {
	SpawnWorker(ctx context.Context) error
}

// Drainer is implemented by the controller: asked to drain and terminate an
// existing worker.
type Drainer interface {
	DrainWorker(ctx context.Context, w *registry.Worker)
}

// Autoscaler runs the periodic evaluation loop on its own ticker, deciding
// by average load and idle time rather than a fixed semaphore of free
// workers.
type Autoscaler struct {
	reg     *registry.Registry
	cfg     Config
	spawner Spawner
	drainer Drainer
	log     zerolog.Logger
}

func New(reg *registry.Registry, cfg Config, spawner Spawner, drainer Drainer) *Autoscaler {
	return &Autoscaler{
		reg:     reg,
		cfg:     cfg,
		spawner: spawner,
		drainer: drainer,
		log:     logging.WithComponent("autoscaler"),
	}
}

// Run drives the evaluation loop until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	interval := a.cfg.EvalInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	d := a.decide(time.Now())
	switch d.Action {
	case ActionScaleUp:
		a.log.Info().Msg("scaling up")
		if err := a.spawner.SpawnWorker(ctx); err != nil {
			a.log.Error().Err(err).Msg("scale up failed")
		}
	case ActionScaleDown:
		a.log.Info().Str("worker_id", d.Target.ID()).Msg("scaling down idle worker")
		a.drainer.DrainWorker(ctx, d.Target)
	}
}

// decide applies three rules in strict order: scale up if below min, scale
// up if over threshold, else scale down if above min, avg load is below the
// scale-down threshold, and an idle candidate exists. At most one action per
// call.
func (a *Autoscaler) decide(now time.Time) Decision {
	workers := a.reg.Snapshot()

	var healthy []*registry.Worker
	for _, w := range workers {
		if w.Phase() == registry.PhaseRunning && w.Healthy() {
			healthy = append(healthy, w)
		}
	}

	// Rule 1: below configured minimum — always scale up, regardless of load.
	if len(healthy) < a.cfg.MinInstances && len(workers) < a.cfg.MaxInstances {
		return Decision{Action: ActionScaleUp}
	}

	// Rule 2: average load across healthy workers exceeds threshold.
	if len(healthy) > 0 && len(workers) < a.cfg.MaxInstances {
		if a.avgLoad(healthy) > a.cfg.ScaleUpLoadThreshold {
			return Decision{Action: ActionScaleUp}
		}
	}

	// Rule 3: strictly above minimum, avg load below the scale-down
	// threshold, and an idle candidate exists.
	if len(healthy) > a.cfg.MinInstances && a.avgLoad(healthy) < a.cfg.ScaleDownThreshold {
		if candidate := a.pickIdleCandidate(healthy, now); candidate != nil {
			return Decision{Action: ActionScaleDown, Target: candidate}
		}
	}

	return Decision{Action: ActionNone}
}

func (a *Autoscaler) avgLoad(workers []*registry.Worker) float64 {
	var sum float64
	for _, w := range workers {
		sum += w.Load()
	}
	return sum / float64(len(workers))
}

// pickIdleCandidate returns the healthy Running worker with zero active
// requests and last_request_ts older than IdleFor, preferring the oldest
// last_request_ts; insertion Seq breaks ties.
func (a *Autoscaler) pickIdleCandidate(workers []*registry.Worker, now time.Time) *registry.Worker {
	var best *registry.Worker
	for _, w := range workers {
		if w.ActiveRequests() != 0 {
			continue
		}
		if now.Sub(w.LastRequestTS()) < a.cfg.IdleFor {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if w.LastRequestTS().Before(best.LastRequestTS()) {
			best = w
		} else if w.LastRequestTS().Equal(best.LastRequestTS()) && w.Seq() < best.Seq() {
			best = w
		}
	}
	return best
}

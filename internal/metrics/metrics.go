// Package metrics exposes pool/worker gauges and a dispatch-latency
// histogram in Prometheus exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adityaadpandey/dynproxy/internal/registry"
)

// Collector owns a private registry rather than prometheus' global
// DefaultRegisterer, so multiple Collectors (e.g. one per test) never
// collide on duplicate registration.
type Collector struct {
	reg *prometheus.Registry

	requestDuration *prometheus.HistogramVec
}

// New creates a Collector wired to the pool via live-computed GaugeFuncs —
// no background sync goroutine is needed, the gauges read straight through
// to the registry on every scrape.
func New(poolReg *registry.Registry) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{reg: reg}

	poolSize := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dynproxy_pool_size",
		Help: "Current number of workers in the pool, any phase.",
	}, func() float64 {
		return float64(poolReg.Len())
	})

	healthyWorkers := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dynproxy_healthy_workers",
		Help: "Number of workers currently marked healthy.",
	}, func() float64 {
		count := 0
		for _, w := range poolReg.Snapshot() {
			if w.Healthy() {
				count++
			}
		}
		return float64(count)
	})

	activeRequests := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dynproxy_active_requests",
		Help: "Sum of active_requests across all workers.",
	}, func() float64 {
		sum := 0
		for _, w := range poolReg.Snapshot() {
			sum += w.ActiveRequests()
		}
		return float64(sum)
	})

	totalRequests := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "dynproxy_total_requests",
		Help: "Sum of total_requests served across all workers.",
	}, func() float64 {
		var sum int64
		for _, w := range poolReg.Snapshot() {
			sum += w.TotalRequests()
		}
		return float64(sum)
	})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dynproxy_request_duration_seconds",
		Help:    "Dispatch-to-response latency for proxied requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	reg.MustRegister(poolSize, healthyWorkers, activeRequests, totalRequests, c.requestDuration)

	return c
}

// ObserveRequest records one proxied request's duration, labeled by outcome
// ("success", "timeout", "error").
func (c *Collector) ObserveRequest(outcome string, seconds float64) {
	c.requestDuration.WithLabelValues(outcome).Observe(seconds)
}

// Handler returns the /metrics HTTP handler for this Collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

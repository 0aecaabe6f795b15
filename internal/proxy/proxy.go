// Package proxy implements the reverse-proxy data path: dispatch, forward,
// stream, account. Requests are forwarded transparently via
// httputil.ReverseProxy with a minimal Director and an ErrorHandler that
// distinguishes timeouts from other upstream failures.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/adityaadpandey/dynproxy/internal/logging"
	"github.com/adityaadpandey/dynproxy/internal/registry"
)

// Dispatcher is the narrow interface the proxy needs from
// internal/dispatcher.
type Dispatcher interface {
	Pick() (*registry.Worker, error)
}

// Metrics is the narrow interface the proxy needs from internal/metrics.
type Metrics interface {
	ObserveRequest(outcome string, seconds float64)
}

// Counter reports pool-wide instance counts, used to fill out the 503
// no-healthy-workers body.
type Counter interface {
	Counts() (total, healthy int)
}

// Handler is the http.Handler for all non-reserved paths: it dispatches to
// the least-loaded healthy worker, forwards the request unmodified except
// for the Host header, streams the response back, and accounts for the
// request's outcome and latency on the chosen Worker.
type Handler struct {
	dispatcher Dispatcher
	metrics    Metrics
	counter    Counter
	log        zerolog.Logger
	timeout    time.Duration
}

func New(d Dispatcher, m Metrics, counter Counter, timeout time.Duration) *Handler {
	return &Handler{
		dispatcher: d,
		metrics:    m,
		counter:    counter,
		timeout:    timeout,
		log:        logging.WithComponent("proxy"),
	}
}

// trackingWriter records whether headers have already been written, so the
// ErrorHandler can tell whether it is still safe to write a JSON error body.
type trackingWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (t *trackingWriter) WriteHeader(code int) {
	t.wroteHeader = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *trackingWriter) Write(b []byte) (int, error) {
	t.wroteHeader = true
	return t.ResponseWriter.Write(b)
}

func writeJSONError(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	worker, err := h.dispatcher.Pick()
	if err != nil {
		total, healthy := h.counter.Counts()
		h.log.Warn().Err(err).Msg("no healthy worker available")
		writeJSONError(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "No healthy backend servers available",
			"instances": total,
			"healthy":   healthy,
		})
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", worker.Port())}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.Host = target.Host
		},
	}

	tw := &trackingWriter{ResponseWriter: w}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	start := time.Now()
	var outcome string

	rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, proxyErr error) {
		elapsed := time.Since(start)

		if errors.Is(proxyErr, context.DeadlineExceeded) {
			outcome = "timeout"
			h.log.Warn().Str("worker_id", worker.ID()).Err(proxyErr).Msg("upstream timed out")
			if !tw.wroteHeader {
				writeJSONError(rw, http.StatusGatewayTimeout, map[string]any{
					"error":   "Gateway Timeout",
					"message": "Backend server timeout",
				})
			}
		} else {
			outcome = "error"
			h.log.Warn().Str("worker_id", worker.ID()).Err(proxyErr).Msg("upstream error")
			if !tw.wroteHeader {
				writeJSONError(rw, http.StatusBadGateway, map[string]any{
					"error":   "Bad Gateway",
					"message": "Backend server error",
				})
			}
		}

		worker.EndRequest(false, float64(elapsed.Milliseconds()))
		h.metrics.ObserveRequest(outcome, elapsed.Seconds())
	}

	rp.ServeHTTP(tw, r.WithContext(ctx))

	if outcome == "" {
		elapsed := time.Since(start)
		worker.EndRequest(true, float64(elapsed.Milliseconds()))
		h.metrics.ObserveRequest("success", elapsed.Seconds())
	}
}

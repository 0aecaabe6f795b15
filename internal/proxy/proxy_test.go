package proxy

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adityaadpandey/dynproxy/internal/registry"
	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

type fakeDispatcher struct {
	worker *registry.Worker
	err    error
}

func (f *fakeDispatcher) Pick() (*registry.Worker, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.worker, nil
}

type fakeMetrics struct {
	observed []string
}

func (f *fakeMetrics) ObserveRequest(outcome string, seconds float64) {
	f.observed = append(f.observed, outcome)
}

type fakeCounter struct {
	total, healthy int
}

func (f *fakeCounter) Counts() (int, int) { return f.total, f.healthy }

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return p
}

func TestHandlerForwardsAndAccountsSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	reg := registry.New(9000)
	worker := reg.NewWorker(portOf(t, backend), runtime.Handle{}, "w1")
	worker.SetPhase(registry.PhaseRunning)
	worker.SetHealthy(true, time.Now())

	m := &fakeMetrics{}
	h := New(&fakeDispatcher{worker: worker}, m, &fakeCounter{}, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"success"}, m.observed)
}

func TestHandlerReturns503WhenNoHealthyWorkers(t *testing.T) {
	m := &fakeMetrics{}
	h := New(&fakeDispatcher{err: registry.ErrNoHealthyWorkers}, m, &fakeCounter{total: 2, healthy: 0}, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "No healthy backend servers available", body["error"])
	require.EqualValues(t, 2, body["instances"])
	require.EqualValues(t, 0, body["healthy"])
}

func TestHandlerReturns502OnConnectionRefused(t *testing.T) {
	reg := registry.New(9000)
	worker := reg.NewWorker(1, runtime.Handle{}, "w1") // nothing listens on port 1
	worker.SetPhase(registry.PhaseRunning)
	worker.SetHealthy(true, time.Now())

	m := &fakeMetrics{}
	h := New(&fakeDispatcher{worker: worker}, m, &fakeCounter{}, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Equal(t, []string{"error"}, m.observed)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Bad Gateway", body["error"])
	require.Equal(t, "Backend server error", body["message"])
}

func TestHandlerReturns504OnTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer backend.Close()

	reg := registry.New(9000)
	worker := reg.NewWorker(portOf(t, backend), runtime.Handle{}, "w1")
	worker.SetPhase(registry.PhaseRunning)
	worker.SetHealthy(true, time.Now())

	m := &fakeMetrics{}
	h := New(&fakeDispatcher{worker: worker}, m, &fakeCounter{}, 20*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Equal(t, []string{"timeout"}, m.observed)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Gateway Timeout", body["error"])
	require.Equal(t, "Backend server timeout", body["message"])
}

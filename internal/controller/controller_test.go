package controller

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adityaadpandey/dynproxy/internal/autoscaler"
	"github.com/adityaadpandey/dynproxy/internal/health"
	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

// fakeAdapter backs each Create with a real httptest.Server so the prober's
// warm-up probes succeed, exercising the full Initialize/Shutdown path
// without a real subprocess or container.
type fakeAdapter struct {
	mu      sync.Mutex
	servers map[string]*httptest.Server
	nextID  int64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{servers: make(map[string]*httptest.Server)}
}

func newListenerOnPort(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

func (f *fakeAdapter) Create(ctx context.Context, port int, name string) (runtime.Handle, error) {
	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	l, err := newListenerOnPort(port)
	if err != nil {
		return runtime.Handle{}, err
	}
	srv.Listener = l
	srv.Start()

	id := fmt.Sprintf("%d", atomic.AddInt64(&f.nextID, 1))
	f.mu.Lock()
	f.servers[id] = srv
	f.mu.Unlock()
	return runtime.Handle{Kind: "fake", ID: id}, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, h runtime.Handle) error {
	f.mu.Lock()
	srv, ok := f.servers[h.ID]
	delete(f.servers, h.ID)
	f.mu.Unlock()
	if ok {
		srv.Close()
	}
	return nil
}

func (f *fakeAdapter) State(ctx context.Context, h runtime.Handle) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[h.ID]; ok {
		return runtime.StateRunning, nil
	}
	return runtime.StateNotFound, nil
}

func (f *fakeAdapter) ListOwned(ctx context.Context) ([]string, error) { return nil, nil }

func (f *fakeAdapter) Prepare(ctx context.Context) error { return nil }

func TestControllerInitializeSpawnsMinInstances(t *testing.T) {
	adapter := newFakeAdapter()
	cfg := Config{
		NamePrefix: "test",
		BasePort:   19000,
		Pool:       autoscaler.Config{MinInstances: 2, MaxInstances: 4, EvalInterval: time.Hour},
		Health: health.Config{
			Path:           "/",
			WarmUpInterval: 10 * time.Millisecond,
			WarmUpWindow:   time.Second,
			ProbeTimeout:   time.Second,
			CheckInterval:  time.Hour,
			EvictAfter:     time.Hour,
		},
		ProxyTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}

	c := New(cfg, adapter)
	err := c.Initialize(context.Background())
	require.NoError(t, err)

	status := c.Status()
	require.Equal(t, 2, status.Total)
	require.Equal(t, 2, status.Healthy)

	err = c.Shutdown(context.Background())
	require.NoError(t, err)
}

func TestControllerLbStatusEndpoint(t *testing.T) {
	adapter := newFakeAdapter()
	cfg := Config{
		NamePrefix: "test",
		BasePort:   19100,
		Pool:       autoscaler.Config{MinInstances: 1, MaxInstances: 2, EvalInterval: time.Hour},
		Health: health.Config{
			Path:           "/",
			WarmUpInterval: 10 * time.Millisecond,
			WarmUpWindow:   time.Second,
			ProbeTimeout:   time.Second,
			CheckInterval:  time.Hour,
			EvictAfter:     time.Hour,
		},
		ProxyTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}

	c := New(cfg, adapter)
	require.NoError(t, c.Initialize(context.Background()))
	defer c.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/lb-status", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"total":1`)
	require.Contains(t, rec.Body.String(), `"healthy":1`)
}

func TestControllerProxiesNonReservedPaths(t *testing.T) {
	adapter := newFakeAdapter()
	cfg := Config{
		NamePrefix: "test",
		BasePort:   19200,
		Pool:       autoscaler.Config{MinInstances: 1, MaxInstances: 2, EvalInterval: time.Hour},
		Health: health.Config{
			Path:           "/",
			WarmUpInterval: 10 * time.Millisecond,
			WarmUpWindow:   time.Second,
			ProbeTimeout:   time.Second,
			CheckInterval:  time.Hour,
			EvictAfter:     time.Hour,
		},
		ProxyTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}

	c := New(cfg, adapter)
	require.NoError(t, c.Initialize(context.Background()))
	defer c.Shutdown(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adityaadpandey/dynproxy/internal/runtime"
)

func TestAllocatePortMonotonicNeverReused(t *testing.T) {
	r := New(9000)
	p1 := r.AllocatePort()
	p2 := r.AllocatePort()
	require.Equal(t, 9000, p1)
	require.Equal(t, 9001, p2)

	w := r.NewWorker(p1, runtime.Handle{Kind: "subprocess", ID: "1"}, "w1")
	r.Remove(w.ID())

	p3 := r.AllocatePort()
	require.Equal(t, 9002, p3)
}

func TestDispatchPicksLeastLoaded(t *testing.T) {
	r := New(9000)
	w1 := r.NewWorker(9000, runtime.Handle{}, "w1")
	w2 := r.NewWorker(9001, runtime.Handle{}, "w2")

	w1.SetPhase(PhaseRunning)
	w1.SetHealthy(true, time.Now())
	w2.SetPhase(PhaseRunning)
	w2.SetHealthy(true, time.Now())

	w1.beginRequest(time.Now())
	w1.beginRequest(time.Now())

	picked, err := r.Dispatch(time.Now())
	require.NoError(t, err)
	require.Equal(t, w2.ID(), picked.ID())
	require.Equal(t, 1, picked.ActiveRequests())
}

func TestDispatchTieBreaksOnInsertionOrder(t *testing.T) {
	r := New(9000)
	w1 := r.NewWorker(9000, runtime.Handle{}, "w1")
	w2 := r.NewWorker(9001, runtime.Handle{}, "w2")
	for _, w := range []*Worker{w1, w2} {
		w.SetPhase(PhaseRunning)
		w.SetHealthy(true, time.Now())
	}

	picked, err := r.Dispatch(time.Now())
	require.NoError(t, err)
	require.Equal(t, w1.ID(), picked.ID())
}

func TestDispatchSkipsUnhealthyAndNonRunning(t *testing.T) {
	r := New(9000)
	w1 := r.NewWorker(9000, runtime.Handle{}, "w1")
	w1.SetPhase(PhaseStarting)
	w1.SetHealthy(false, time.Now())

	_, err := r.Dispatch(time.Now())
	require.ErrorIs(t, err, ErrNoHealthyWorkers)
}

func TestEndRequestOnlyOverwritesResponseTimeOnSuccess(t *testing.T) {
	r := New(9000)
	w := r.NewWorker(9000, runtime.Handle{}, "w1")
	w.SetPhase(PhaseRunning)
	w.SetHealthy(true, time.Now())

	_, err := r.Dispatch(time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, w.ActiveRequests())

	w.EndRequest(false, 9999)
	require.Equal(t, 0, w.ActiveRequests())
	require.Equal(t, float64(0), w.ResponseTimeMs())

	w.beginRequest(time.Now())
	w.EndRequest(true, 250)
	require.Equal(t, float64(250), w.ResponseTimeMs())
}

func TestRemoveIsNoopForUnknownID(t *testing.T) {
	r := New(9000)
	require.NotPanics(t, func() { r.Remove("nonexistent") })
}

func TestFindByIDNotFound(t *testing.T) {
	r := New(9000)
	_, err := r.FindByID("missing")
	require.ErrorIs(t, err, ErrWorkerNotFound)
}

func TestSnapshotPreservesInsertionOrder(t *testing.T) {
	r := New(9000)
	w1 := r.NewWorker(9000, runtime.Handle{}, "w1")
	w2 := r.NewWorker(9001, runtime.Handle{}, "w2")

	snaps := r.Snapshot()
	require.Len(t, snaps, 2)
	require.Equal(t, w1.ID(), snaps[0].ID())
	require.Equal(t, w2.ID(), snaps[1].ID())
}

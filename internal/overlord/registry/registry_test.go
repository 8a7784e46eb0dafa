package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linkflow-go/internal/overlord/metrics"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putWorker(t *testing.T, st store.Store, w task.Worker) {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), store.AnnouncementPath(w.Host), true, data))
}

func TestRegistryStartEnumeratesExistingAnnouncements(t *testing.T) {
	st := store.NewMemory()
	putWorker(t, st, task.Worker{Host: "worker1", Capacity: 4, Category: "default"})

	reg := New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	w, ok := reg.Get("worker1")
	assert.True(t, ok)
	assert.Equal(t, 4, w.Capacity)
}

func TestRegistryEmitsJoinedOnNewAnnouncement(t *testing.T) {
	st := store.NewMemory()
	reg := New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	putWorker(t, st, task.Worker{Host: "worker1", Capacity: 2, Category: "default"})

	select {
	case evt := <-reg.Events():
		assert.Equal(t, WorkerJoined, evt.Type)
		assert.Equal(t, "worker1", evt.Worker.Host)
	case <-time.After(time.Second):
		t.Fatal("did not observe WorkerJoined event")
	}

	_, ok := reg.Get("worker1")
	assert.True(t, ok)
}

func TestRegistryEmitsLeftOnAnnouncementRemoval(t *testing.T) {
	st := store.NewMemory()
	putWorker(t, st, task.Worker{Host: "worker1", Capacity: 2, Category: "default"})

	reg := New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	// Start's initial enumeration reports the existing worker as joined.
	select {
	case evt := <-reg.Events():
		assert.Equal(t, WorkerJoined, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("did not observe initial WorkerJoined event")
	}

	require.NoError(t, st.Delete(context.Background(), store.AnnouncementPath("worker1")))

	select {
	case evt := <-reg.Events():
		assert.Equal(t, WorkerLeft, evt.Type)
		assert.Equal(t, "worker1", evt.Worker.Host)
	case <-time.After(time.Second):
		t.Fatal("did not observe WorkerLeft event")
	}

	_, ok := reg.Get("worker1")
	assert.False(t, ok)
}

func TestRegistryResyncOnReconnectDiscardsStaleWorkers(t *testing.T) {
	mem := store.NewMemory()
	reg := New(mem, logger.NewNop(), metrics.New())
	putWorker(t, mem, task.Worker{Host: "worker1", Capacity: 2, Category: "default"})
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	mem.SimulateSessionLoss()

	assert.Eventually(t, func() bool {
		_, ok := reg.Get("worker1")
		return !ok
	}, time.Second, 10*time.Millisecond, "resync after reconnect must drop workers whose ephemeral node vanished")
}

func TestRegistryAllReturnsSnapshot(t *testing.T) {
	st := store.NewMemory()
	putWorker(t, st, task.Worker{Host: "worker1", Capacity: 2, Category: "default"})
	putWorker(t, st, task.Worker{Host: "worker2", Capacity: 3, Category: "default"})

	reg := New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	all := reg.All()
	assert.Len(t, all, 2)
}

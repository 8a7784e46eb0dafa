package statuscache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linkflow-go/internal/overlord/metrics"
	"github.com/linkflow-go/internal/overlord/registry"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func announce(t *testing.T, st store.Store, w task.Worker) {
	t.Helper()
	data, err := json.Marshal(w)
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), store.AnnouncementPath(w.Host), true, data))
}

func putStatus(t *testing.T, st store.Store, host string, s task.Status) {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), store.StatusTaskPath(host, s.ID), true, data))
}

func TestCacheEnumeratesExistingStatusOnHostWatch(t *testing.T) {
	st := store.NewMemory()
	announce(t, st, task.Worker{Host: "worker1", Capacity: 2})
	putStatus(t, st, "worker1", task.Status{ID: "task1", Code: task.StatusRunning})

	reg := registry.New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	cache := New(st, reg, logger.NewNop())
	require.NoError(t, cache.Start(context.Background()))
	defer cache.Stop()

	select {
	case evt := <-cache.Events():
		assert.Equal(t, StatusAdded, evt.Type)
		assert.Equal(t, "worker1", evt.Host)
		assert.Equal(t, "task1", evt.TaskID)
		assert.Equal(t, task.StatusRunning, evt.Status.Code)
	case <-time.After(time.Second):
		t.Fatal("did not observe pre-existing status node")
	}
}

func TestCacheDispatchesNewStatusAfterHostJoins(t *testing.T) {
	st := store.NewMemory()
	reg := registry.New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	cache := New(st, reg, logger.NewNop())
	require.NoError(t, cache.Start(context.Background()))
	defer cache.Stop()

	announce(t, st, task.Worker{Host: "worker1", Capacity: 2})
	// Let the registry propagate the join to the cache.
	time.Sleep(20 * time.Millisecond)

	putStatus(t, st, "worker1", task.Status{ID: "task1", Code: task.StatusRunning})

	select {
	case evt := <-cache.Events():
		assert.Equal(t, "task1", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("did not observe status event for newly joined host")
	}
}

func TestCacheUnwatchesOnWorkerLeft(t *testing.T) {
	st := store.NewMemory()
	announce(t, st, task.Worker{Host: "worker1", Capacity: 2})

	reg := registry.New(st, logger.NewNop(), metrics.New())
	require.NoError(t, reg.Start(context.Background()))
	defer reg.Stop()

	cache := New(st, reg, logger.NewNop())
	require.NoError(t, cache.Start(context.Background()))
	defer cache.Stop()

	require.NoError(t, st.Delete(context.Background(), store.AnnouncementPath("worker1")))
	time.Sleep(20 * time.Millisecond)

	// A status write after the host leaves should not be dispatched;
	// the watch for worker1 must have been torn down.
	putStatus(t, st, "worker1", task.Status{ID: "task2", Code: task.StatusRunning})

	select {
	case evt := <-cache.Events():
		t.Fatalf("unexpected event after worker left: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

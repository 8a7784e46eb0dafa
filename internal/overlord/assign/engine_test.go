package assign

import (
	"testing"
	"time"

	"github.com/linkflow-go/internal/overlord/task"
	"github.com/stretchr/testify/assert"
)

type fakeBlacklist struct {
	blacklisted map[string]bool
}

func (f fakeBlacklist) IsBlacklisted(host string) bool {
	return f.blacklisted[host]
}

func TestSelectWorkerPicksMostIdleCapacity(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{
		{Host: "worker1", Capacity: 10, Category: "default", Version: "1"},
		{Host: "worker2", Capacity: 10, Category: "default", Version: "1"},
	}
	used := map[string]int{"worker1": 8, "worker2": 2}

	chosen := e.SelectWorker(task.Task{Resource: task.Resource{RequiredCapacity: 1}}, workers, used, nil, false)
	assert.NotNil(t, chosen)
	assert.Equal(t, "worker2", chosen.Host)
}

func TestSelectWorkerTieBreaksByHost(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{
		{Host: "worker-b", Capacity: 10, Category: "default", Version: "1"},
		{Host: "worker-a", Capacity: 10, Category: "default", Version: "1"},
	}
	used := map[string]int{}

	chosen := e.SelectWorker(task.Task{Resource: task.Resource{RequiredCapacity: 1}}, workers, used, nil, false)
	require := assert.New(t)
	require.NotNil(chosen)
	require.Equal("worker-a", chosen.Host)
}

func TestSelectWorkerExcludesInsufficientCapacity(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{{Host: "worker1", Capacity: 2, Category: "default", Version: "1"}}
	used := map[string]int{"worker1": 2}

	chosen := e.SelectWorker(task.Task{Resource: task.Resource{RequiredCapacity: 1}}, workers, used, nil, false)
	assert.Nil(t, chosen)
}

func TestSelectWorkerExcludesMismatchedCategory(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{{Host: "worker1", Capacity: 10, Category: "gpu", Version: "1"}}
	chosen := e.SelectWorker(task.Task{Resource: task.Resource{Category: "default", RequiredCapacity: 1}}, workers, map[string]int{}, nil, false)
	assert.Nil(t, chosen)
}

func TestSelectWorkerExcludesDisabledWorker(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{{Host: "worker1", Capacity: 10, Category: "default", Version: ""}}
	chosen := e.SelectWorker(task.Task{Resource: task.Resource{RequiredCapacity: 1}}, workers, map[string]int{}, nil, false)
	assert.Nil(t, chosen)
}

func TestSelectWorkerExcludesBlacklistedHost(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{{Host: "worker1", Capacity: 10, Category: "default", Version: "1"}}
	bl := fakeBlacklist{blacklisted: map[string]bool{"worker1": true}}
	chosen := e.SelectWorker(task.Task{Resource: task.Resource{RequiredCapacity: 1}}, workers, map[string]int{}, bl, false)
	assert.Nil(t, chosen)
}

func TestSelectWorkerRefusesWhenAvailabilityGroupOccupied(t *testing.T) {
	e := New(EqualDistribution{})
	workers := []task.Worker{{Host: "worker1", Capacity: 10, Category: "default", Version: "1"}}
	chosen := e.SelectWorker(task.Task{Resource: task.Resource{AvailabilityGroup: "g1", RequiredCapacity: 1}}, workers, map[string]int{}, nil, true)
	assert.Nil(t, chosen)
}

func TestSortPendingOrdersByQueueInsertionTime(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := task.NewWorkItem(task.Task{ID: "late"}, base.Add(2*time.Second))
	early := task.NewWorkItem(task.Task{ID: "early"}, base.Add(time.Second))
	items := []*task.WorkItem{late, early}

	SortPending(items)
	assert.Equal(t, "early", items[0].Task.ID)
	assert.Equal(t, "late", items[1].Task.ID)
}

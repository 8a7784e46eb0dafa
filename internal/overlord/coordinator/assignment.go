package coordinator

import (
	"context"
	"encoding/json"

	"github.com/linkflow-go/internal/overlord/assign"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
)

// assignmentLoop runs the assignment pass on a fixed cadence until ctx is
// cancelled.
func (c *Coordinator) assignmentLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clk.NewTicker(c.cfg.AssignmentLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.assignPass(ctx)
		}
	}
}

// assignPass scans the pending queue once, in insertion order, attempting
// to assign each task to an eligible worker per spec.md §4.4's five
// rules. Tasks that can't be placed this pass stay PENDING and are
// retried on the next tick.
func (c *Coordinator) assignPass(ctx context.Context) {
	pending := c.snapshotPending()
	if len(pending) == 0 {
		return
	}

	workers := c.registry.All()

	for _, item := range pending {
		if ctx.Err() != nil {
			return
		}
		c.tryAssign(ctx, item, workers)
	}
}

func (c *Coordinator) snapshotPending() []*task.WorkItem {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()

	var pending []*task.WorkItem
	for _, item := range c.items {
		var isPending bool
		item.WithLock(func() { isPending = item.State == task.Pending })
		if isPending {
			pending = append(pending, item)
		}
	}
	assign.SortPending(pending)
	return pending
}

func (c *Coordinator) tryAssign(ctx context.Context, item *task.WorkItem, workers []task.Worker) {
	group := item.Task.Resource.AvailabilityGroup

	c.groupMu.Lock()
	_, occupied := c.assignedGroups[group]
	occupied = occupied && group != ""
	c.groupMu.Unlock()

	worker := c.engine.SelectWorker(item.Task, workers, c.usedCapacityByHost(), c.blacklistCtl, occupied)
	if worker == nil {
		return
	}

	// Serial-assignment safety: confirm the table still holds exactly
	// this WorkItem for this task id before we mutate worker state.
	current, stillPresent := c.itemByTaskID(item.Task.ID)
	if !stillPresent || current != item {
		c.failItem(item, task.ErrAssignmentRaced)
		return
	}

	payload, err := json.Marshal(item.Task)
	if err != nil {
		c.logger.Error("failed to marshal task payload", "taskId", item.Task.ID, "error", err)
		return
	}

	if err := c.writeLimiter.Wait(ctx); err != nil {
		return
	}

	path := store.TaskAssignmentPath(worker.Host, item.Task.ID)
	if err := c.st.Create(ctx, path, false, payload); err != nil {
		c.logger.Error("failed to publish assignment node", "taskId", item.Task.ID, "host", worker.Host, "error", err)
		return
	}

	var assigned bool
	item.WithLock(func() {
		if item.State != task.Pending {
			assigned = false
			return
		}
		item.AssignedWorkerHost = worker.Host
		item.AssignedAt = c.clk.Now()
		item.TransitionTo(task.Assigned)
		assigned = true
	})
	if !assigned {
		// Lost the race to another transition; undo the store write.
		_ = c.st.Delete(ctx, path)
		return
	}

	if group != "" {
		c.groupMu.Lock()
		c.assignedGroups[group] = item.Task.ID
		c.groupMu.Unlock()
	}

	c.startAssignmentTimer(item.Task.ID, worker.Host)

	c.logger.Info("task assigned", "taskId", item.Task.ID, "host", worker.Host)
	c.publishEvent(ctx, "task.assigned", item.Task.ID, map[string]interface{}{"host": worker.Host})
}

// usedCapacityByHost sums the required capacity of every ASSIGNED or
// RUNNING task per host, the residual-capacity input to selection.
func (c *Coordinator) usedCapacityByHost() map[string]int {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()

	used := make(map[string]int)
	for _, item := range c.items {
		item.WithLock(func() {
			if item.State == task.Assigned || item.State == task.Running {
				used[item.AssignedWorkerHost] += item.Task.Resource.RequiredCapacity
			}
		})
	}
	return used
}

func (c *Coordinator) startAssignmentTimer(taskID, host string) {
	handle := newTimerHandle(c.clk.NewTimer(c.cfg.TaskAssignmentTimeout))

	c.timerMu.Lock()
	c.assignmentTimers[taskID] = handle
	c.timerMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-handle.timer.C():
			c.onAssignmentTimeout(taskID, host)
		case <-handle.stopCh:
		}
	}()
}

// onAssignmentTimeout fires when a worker accepted an assignment node but
// never posted RUNNING status before taskAssignmentTimeout elapsed.
func (c *Coordinator) onAssignmentTimeout(taskID, host string) {
	item, ok := c.itemByTaskID(taskID)
	if !ok {
		return
	}

	var stillAssigned bool
	item.WithLock(func() { stillAssigned = item.State == task.Assigned })
	if !stillAssigned {
		return
	}

	ctx := context.Background()
	path := store.TaskAssignmentPath(host, taskID)
	if err := c.st.Delete(ctx, path); err != nil {
		c.logger.Error("failed to delete timed-out assignment node", "taskId", taskID, "host", host, "error", err)
	}

	c.failItem(item, task.ErrAssignmentTimeout)

	if c.blacklistCtl != nil {
		total := len(c.registry.All())
		c.blacklistCtl.RecordFailure(host, total)
	}
}

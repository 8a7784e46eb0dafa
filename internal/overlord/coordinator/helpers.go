package coordinator

import (
	"context"
	"time"

	"github.com/linkflow-go/internal/overlord/task"
)

// failItem resolves item's future with err, transitions it to COMPLETE,
// releases its availability-group occupancy, cancels any outstanding
// timer, and removes it from the live table. Safe to call more than once
// per item; only the first call has effect because TransitionTo(Complete)
// only succeeds once and Future.Resolve only fires once.
func (c *Coordinator) failItem(item *task.WorkItem, err error) {
	var taskID, group, host, dataSource string
	var assignedAt time.Time
	var alreadyTerminal bool

	item.WithLock(func() {
		taskID = item.Task.ID
		group = item.Task.Resource.AvailabilityGroup
		host = item.AssignedWorkerHost
		dataSource = item.Task.DataSource
		assignedAt = item.AssignedAt
		if !item.TransitionTo(task.Complete) {
			alreadyTerminal = true
			return
		}
	})
	if alreadyTerminal {
		return
	}

	item.Result.Resolve(task.Result{Status: task.Status{ID: taskID, Code: task.StatusFailed, ErrorMessage: err.Error()}, Err: err})

	c.releaseGroup(group, taskID)
	c.cancelAssignmentTimer(taskID)
	c.removeItem(taskID)
	c.observeRunTime(taskID, dataSource, string(task.StatusFailed), assignedAt)

	c.logger.Warn("task failed", "taskId", taskID, "host", host, "error", err)
	c.publishEvent(context.Background(), "task.failed", taskID, map[string]interface{}{"error": err.Error(), "host": host})
}

// completeSuccess resolves item's future with the worker-reported SUCCESS
// status and tears down its bookkeeping the same way failItem does.
func (c *Coordinator) completeSuccess(item *task.WorkItem, status task.Status) {
	var taskID, group, host, dataSource string
	var assignedAt time.Time
	var alreadyTerminal bool

	item.WithLock(func() {
		taskID = item.Task.ID
		group = item.Task.Resource.AvailabilityGroup
		host = item.AssignedWorkerHost
		dataSource = item.Task.DataSource
		assignedAt = item.AssignedAt
		if !item.TransitionTo(task.Complete) {
			alreadyTerminal = true
			return
		}
	})
	if alreadyTerminal {
		return
	}

	item.Result.Resolve(task.Result{Status: status})

	c.releaseGroup(group, taskID)
	c.cancelAssignmentTimer(taskID)
	c.removeItem(taskID)
	c.observeRunTime(taskID, dataSource, string(status.Code), assignedAt)

	c.logger.Info("task completed successfully", "taskId", taskID, "host", host)
	c.publishEvent(context.Background(), "task.completed", taskID, map[string]interface{}{"host": host})
}

// observeRunTime records the assignment-to-completion duration for a
// finished task. assignedAt is zero for tasks that never reached ASSIGNED
// (e.g. failed before a worker was ever found), in which case there is no
// meaningful duration to record.
func (c *Coordinator) observeRunTime(taskID, dataSource, status string, assignedAt time.Time) {
	if c.metrics == nil || assignedAt.IsZero() {
		return
	}
	c.metrics.ObserveTaskRunTime(taskID, dataSource, status, c.clk.Now().Sub(assignedAt))
}

func (c *Coordinator) releaseGroup(group, taskID string) {
	if group == "" {
		return
	}
	c.groupMu.Lock()
	if c.assignedGroups[group] == taskID {
		delete(c.assignedGroups, group)
	}
	c.groupMu.Unlock()
}

func (c *Coordinator) cancelAssignmentTimer(taskID string) {
	c.timerMu.Lock()
	if h, ok := c.assignmentTimers[taskID]; ok {
		delete(c.assignmentTimers, taskID)
		c.timerMu.Unlock()
		h.stop()
		return
	}
	c.timerMu.Unlock()
}

func (c *Coordinator) removeItem(taskID string) {
	c.tableMu.Lock()
	delete(c.items, taskID)
	c.tableMu.Unlock()
}

func (c *Coordinator) itemByTaskID(taskID string) (*task.WorkItem, bool) {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()
	item, ok := c.items[taskID]
	return item, ok
}

package coordinator

import (
	"context"

	"github.com/linkflow-go/internal/overlord/registry"
	"github.com/linkflow-go/internal/overlord/statuscache"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
)

// eventDispatchLoop pumps registry and status-cache events into the
// coordinator. Events from a single worker's status cache arrive here in
// store-observed order; across workers no ordering is guaranteed, which
// matches spec.md §5.
func (c *Coordinator) eventDispatchLoop(ctx context.Context) {
	defer c.wg.Done()

	registryEvents := c.registry.Events()
	statusEvents := c.statusCache.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-registryEvents:
			if !ok {
				registryEvents = nil
				continue
			}
			c.handleRegistryEvent(evt)
		case evt, ok := <-statusEvents:
			if !ok {
				statusEvents = nil
				continue
			}
			c.handleStatusEvent(ctx, evt)
		}
	}
}

func (c *Coordinator) handleRegistryEvent(evt registry.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling registry event, dropping", "host", evt.Worker.Host, "panic", r)
		}
	}()

	switch evt.Type {
	case registry.WorkerJoined:
		c.cancelCleanupTimer(evt.Worker.Host)
	case registry.WorkerLeft:
		c.startCleanupTimer(evt.Worker.Host)
	}
}

// startCleanupTimer schedules the grace period after a worker's ephemeral
// announcement vanishes. If the worker reappears before it fires, the
// timer is cancelled and nothing else happens.
func (c *Coordinator) startCleanupTimer(host string) {
	c.timerMu.Lock()
	if _, exists := c.cleanupTimers[host]; exists {
		c.timerMu.Unlock()
		return
	}
	handle := newTimerHandle(c.clk.NewTimer(c.cfg.TaskCleanupTimeout))
	c.cleanupTimers[host] = handle
	c.timerMu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-handle.timer.C():
			c.onWorkerCleanup(host)
		case <-handle.stopCh:
		}
	}()
}

func (c *Coordinator) cancelCleanupTimer(host string) {
	c.timerMu.Lock()
	h, ok := c.cleanupTimers[host]
	if ok {
		delete(c.cleanupTimers, host)
	}
	c.timerMu.Unlock()
	if ok {
		h.stop()
	}
}

// onWorkerCleanup fires when a departed worker's grace period elapses
// without it reappearing: every task still attributed to that host fails.
func (c *Coordinator) onWorkerCleanup(host string) {
	c.timerMu.Lock()
	delete(c.cleanupTimers, host)
	c.timerMu.Unlock()

	for _, item := range c.itemsAssignedToHost(host) {
		c.failItem(item, task.ErrWorkerDisappeared)
	}
}

func (c *Coordinator) itemsAssignedToHost(host string) []*task.WorkItem {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()

	var out []*task.WorkItem
	for _, item := range c.items {
		var match bool
		item.WithLock(func() {
			match = item.AssignedWorkerHost == host && item.State != task.Complete
		})
		if match {
			out = append(out, item)
		}
	}
	return out
}

func (c *Coordinator) handleStatusEvent(ctx context.Context, evt statuscache.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling status event, dropping", "taskId", evt.TaskID, "panic", r)
		}
	}()

	item, ok := c.itemByTaskID(evt.TaskID)
	if !ok {
		return
	}

	switch evt.Type {
	case statuscache.StatusAdded:
		c.handleStatusData(ctx, item, evt.Host, evt.Status)
	case statuscache.StatusUpdated:
		c.handleStatusData(ctx, item, evt.Host, evt.Status)
	case statuscache.StatusRemoved:
		c.handleStatusRemoved(item)
	}
}

func (c *Coordinator) handleStatusData(ctx context.Context, item *task.WorkItem, host string, status task.Status) {
	switch status.Code {
	case task.StatusRunning:
		var transitioned bool
		item.WithLock(func() {
			if item.State == task.Assigned {
				item.Location = status.Location
				transitioned = item.TransitionTo(task.Running)
			}
		})
		if transitioned {
			c.cancelAssignmentTimer(item.Task.ID)
			c.logger.Info("task running", "taskId", item.Task.ID, "host", host)
			c.publishEvent(ctx, "task.running", item.Task.ID, map[string]interface{}{"host": host})
		}

	case task.StatusSuccess:
		c.blacklistOnSuccess(host)
		c.deleteStatusNode(ctx, host, item.Task.ID)
		c.completeSuccess(item, status)

	case task.StatusFailed:
		c.blacklistOnFailure(host)
		c.deleteStatusNode(ctx, host, item.Task.ID)
		c.failItem(item, &task.TaskReportedError{Message: status.ErrorMessage})
	}
}

// handleStatusRemoved reacts to a status node vanishing before a terminal
// code was ever observed: an abnormal termination.
func (c *Coordinator) handleStatusRemoved(item *task.WorkItem) {
	var alreadyComplete bool
	item.WithLock(func() { alreadyComplete = item.State == task.Complete })
	if alreadyComplete {
		return
	}
	host := item.AssignedWorkerHost
	c.blacklistOnFailure(host)
	c.failItem(item, task.ErrWorkerDisappeared)
}

func (c *Coordinator) deleteStatusNode(ctx context.Context, host, taskID string) {
	path := store.StatusTaskPath(host, taskID)
	if err := c.st.Delete(ctx, path); err != nil {
		c.logger.Error("failed to delete status node", "host", host, "taskId", taskID, "error", err)
	}
}

func (c *Coordinator) blacklistOnSuccess(host string) {
	if c.blacklistCtl != nil && host != "" {
		c.blacklistCtl.RecordSuccess(host)
	}
}

func (c *Coordinator) blacklistOnFailure(host string) {
	if c.blacklistCtl != nil && host != "" {
		c.blacklistCtl.RecordFailure(host, len(c.registry.All()))
	}
}

package coordinator

import (
	"context"
	"encoding/json"
	pathutil "path"

	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
)

// rehydrate runs once at startup: it enumerates assignment nodes and
// status nodes under every alive worker and reconstructs a WorkItem for
// each assignment node found, ASSIGNED or (with a RUNNING status node)
// RUNNING. An assignment whose status node is already terminal is not
// rebuilt; both nodes are deleted. A status node with no assignment node
// beside it is not rehydrated. This is
// the recovery path for an "assignment published, then session lost"
// restart: no attempt is made to infer what the worker did in between,
// only to rebuild from whatever currently exists in the store.
func (c *Coordinator) rehydrate(ctx context.Context) error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, w := range c.registry.All() {
		assignmentPaths, err := c.st.Children(ctx, store.TasksWorkerPath(w.Host))
		if err != nil {
			note(err)
			continue
		}
		statusPaths, err := c.st.Children(ctx, store.StatusWorkerPath(w.Host))
		if err != nil {
			note(err)
			continue
		}

		statusByTask := make(map[string][]byte, len(statusPaths))
		for _, sp := range statusPaths {
			_, data, err := c.st.Exists(ctx, sp)
			if err != nil || data == nil {
				continue
			}
			statusByTask[pathutil.Base(sp)] = data
		}

		for _, ap := range assignmentPaths {
			_, payload, err := c.st.Exists(ctx, ap)
			if err != nil || payload == nil {
				continue
			}
			var t task.Task
			if err := json.Unmarshal(payload, &t); err != nil {
				c.logger.Error("malformed assignment payload during rehydration, skipping", "path", ap, "error", err)
				continue
			}

			item := task.NewWorkItem(t, c.clk.Now())
			item.AssignedWorkerHost = w.Host
			item.AssignedAt = c.clk.Now()
			item.TransitionTo(task.Assigned)

			var terminalStatus *task.Status
			if statusData, ok := statusByTask[t.ID]; ok {
				var st task.Status
				if err := json.Unmarshal(statusData, &st); err == nil {
					if st.Code == task.StatusSuccess || st.Code == task.StatusFailed {
						terminalStatus = &st
					} else {
						c.applyRehydratedStatus(item, st)
					}
				}
			}

			if terminalStatus != nil {
				// Nobody is left holding this item's original Future
				// across a restart; there is nothing to resolve it
				// for. Just clean up the store nodes it left behind.
				c.blacklistOnOutcome(w.Host, terminalStatus.Code)
				_ = c.st.Delete(ctx, ap)
				_ = c.st.Delete(ctx, store.StatusTaskPath(w.Host, t.ID))
				c.logger.Info("rehydration found terminal status with no awaiter, discarding", "taskId", t.ID, "host", w.Host, "status", terminalStatus.Code)
				continue
			}

			c.tableMu.Lock()
			if _, exists := c.items[t.ID]; !exists {
				c.items[t.ID] = item
			}
			c.tableMu.Unlock()

			if item.State == task.Assigned {
				c.startAssignmentTimer(t.ID, w.Host)
			}
			if t.Resource.AvailabilityGroup != "" {
				c.groupMu.Lock()
				c.assignedGroups[t.Resource.AvailabilityGroup] = t.ID
				c.groupMu.Unlock()
			}

			c.logger.Info("rehydrated work item", "taskId", t.ID, "host", w.Host, "state", item.State.String())
		}
	}

	return firstErr
}

func (c *Coordinator) applyRehydratedStatus(item *task.WorkItem, st task.Status) {
	if st.Code == task.StatusRunning {
		item.Location = st.Location
		item.TransitionTo(task.Running)
	}
}

func (c *Coordinator) blacklistOnOutcome(host string, code task.StatusCode) {
	switch code {
	case task.StatusSuccess:
		c.blacklistOnSuccess(host)
	case task.StatusFailed:
		c.blacklistOnFailure(host)
	}
}

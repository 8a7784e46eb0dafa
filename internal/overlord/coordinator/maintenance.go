package coordinator

import (
	"context"

	"github.com/linkflow-go/internal/overlord/task"
)

// maintenanceLoop runs the blacklist re-admission sweep and refreshes the
// published capacity metrics on a fixed cadence.
func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := c.clk.NewTicker(c.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.runMaintenance()
		}
	}
}

func (c *Coordinator) runMaintenance() {
	if c.blacklistCtl != nil {
		c.blacklistCtl.Sweep()
	}
	c.refreshMetrics()
}

// refreshMetrics recomputes and publishes the derived WorkerSlot
// aggregates: idle, lazy, and blacklisted buckets are mutually exclusive
// per spec.md's open-question resolution (see DESIGN.md).
func (c *Coordinator) refreshMetrics() {
	if c.metrics == nil {
		return
	}

	used := c.usedCapacityByHost()
	pendingByCategory := make(map[string]int)
	runningByCategory := make(map[string]int)

	c.tableMu.RLock()
	for _, item := range c.items {
		item.WithLock(func() {
			switch item.State {
			case task.Pending:
				pendingByCategory[item.Task.Resource.Category]++
			case task.Running:
				runningByCategory[item.Task.Resource.Category]++
			}
		})
	}
	c.tableMu.RUnlock()
	c.metrics.SetTaskCounts(pendingByCategory, runningByCategory)

	idleByCategory := make(map[string]int)
	lazyByCategory := make(map[string]int)
	blacklistedByCategory := make(map[string]int)

	for _, w := range c.registry.All() {
		if w.Lazy {
			lazyByCategory[w.Category]++
			continue
		}
		if c.blacklistCtl != nil && c.blacklistCtl.IsBlacklisted(w.Host) {
			blacklistedByCategory[w.Category]++
			continue
		}
		idle := w.Capacity - used[w.Host]
		if idle < 0 {
			idle = 0
		}
		idleByCategory[w.Category] += idle
	}

	c.metrics.SetWorkerSlots(idleByCategory, lazyByCategory, blacklistedByCategory)
}

// Package metrics declares the overlord's prometheus vectors, grounded on
// pkg/metrics's promauto-based convention used by the rest of the
// codebase.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the overlord's emitted vectors.
type Metrics struct {
	TaskPending      *prometheus.GaugeVec
	TaskRunning      *prometheus.GaugeVec
	WorkersTotal     *prometheus.GaugeVec
	WorkersIdle      *prometheus.GaugeVec
	WorkersLazy      *prometheus.GaugeVec
	WorkersBlacklisted *prometheus.GaugeVec
	TaskRunTime      *prometheus.HistogramVec
}

var (
	instance     *Metrics
	instanceOnce sync.Once
)

// New returns the overlord's metric vectors, registered against the
// default prometheus registry via promauto exactly once, exactly as
// pkg/metrics's package-level vars are registered once at import time.
// Repeated calls (every Coordinator constructed in a test binary, for
// instance) return the same vectors rather than re-registering them.
func New() *Metrics {
	instanceOnce.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		TaskPending: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_pending_count",
			Help: "Number of tasks currently PENDING, by category.",
		}, []string{"category"}),
		TaskRunning: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "task_running_count",
			Help: "Number of tasks currently RUNNING, by category.",
		}, []string{"category"}),
		WorkersTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workers_total_count",
			Help: "Number of alive workers, by category.",
		}, []string{"category"}),
		WorkersIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workers_idle_count",
			Help: "Idle capacity units, by category.",
		}, []string{"category"}),
		WorkersLazy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workers_lazy_count",
			Help: "Workers marked lazy by the autoscaler, by category.",
		}, []string{"category"}),
		WorkersBlacklisted: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workers_blacklisted_count",
			Help: "Workers currently blacklisted, by category.",
		}, []string{"category"}),
		TaskRunTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "task_run_time_seconds",
			Help:    "Wall-clock duration from assignment to completion.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
		}, []string{"task_id", "data_source", "status"}),
	}
}

// SetWorkersTotal publishes per-category alive worker counts.
func (m *Metrics) SetWorkersTotal(counts map[string]int) {
	for category, n := range counts {
		m.WorkersTotal.WithLabelValues(category).Set(float64(n))
	}
}

// SetWorkerSlots publishes the per-category idle, lazy and blacklisted
// values it is given. The caller (the coordinator's maintenance refresh)
// passes idle capacity units and lazy/blacklisted worker counts, keeping
// idle and blacklisted mutually exclusive and lazy excluded from both
// (see DESIGN.md).
func (m *Metrics) SetWorkerSlots(idleByCategory, lazyByCategory, blacklistedByCategory map[string]int) {
	for category, n := range idleByCategory {
		m.WorkersIdle.WithLabelValues(category).Set(float64(n))
	}
	for category, n := range lazyByCategory {
		m.WorkersLazy.WithLabelValues(category).Set(float64(n))
	}
	for category, n := range blacklistedByCategory {
		m.WorkersBlacklisted.WithLabelValues(category).Set(float64(n))
	}
}

// SetTaskCounts publishes pending/running task counts by category.
func (m *Metrics) SetTaskCounts(pending, running map[string]int) {
	for category, n := range pending {
		m.TaskPending.WithLabelValues(category).Set(float64(n))
	}
	for category, n := range running {
		m.TaskRunning.WithLabelValues(category).Set(float64(n))
	}
}

// ObserveTaskRunTime records the assignment-to-completion duration for a
// finished task.
func (m *Metrics) ObserveTaskRunTime(taskID, dataSource, status string, d time.Duration) {
	m.TaskRunTime.WithLabelValues(taskID, dataSource, status).Observe(d.Seconds())
}

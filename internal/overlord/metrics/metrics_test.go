package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewReturnsSameInstanceAcrossCalls(t *testing.T) {
	a := New()
	b := New()
	assert.Same(t, a, b, "New must not re-register vectors on repeated calls")
}

func TestSetWorkerSlotsPublishesPerCategoryGauges(t *testing.T) {
	m := New()
	m.SetWorkerSlots(map[string]int{"default": 4}, map[string]int{"default": 1}, map[string]int{"default": 2})

	assert.Equal(t, float64(4), testutil.ToFloat64(m.WorkersIdle.WithLabelValues("default")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkersLazy.WithLabelValues("default")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WorkersBlacklisted.WithLabelValues("default")))
}

func TestObserveTaskRunTimeRecordsIntoHistogram(t *testing.T) {
	m := New()
	before := testutil.CollectAndCount(m.TaskRunTime)
	m.ObserveTaskRunTime("task1", "wikipedia", "SUCCESS", 2*time.Second)
	after := testutil.CollectAndCount(m.TaskRunTime)
	assert.Greater(t, after, before)
}

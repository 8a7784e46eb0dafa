package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemTransitionToIsMonotonic(t *testing.T) {
	item := NewWorkItem(Task{ID: "t1"}, time.Now())
	assert.Equal(t, Pending, item.State)

	assert.True(t, item.TransitionTo(Assigned))
	assert.True(t, item.TransitionTo(Running))
	assert.False(t, item.TransitionTo(Assigned), "backward transition must be rejected")
	assert.False(t, item.TransitionTo(Running), "repeated transition must be rejected")
	assert.True(t, item.TransitionTo(Complete))
	assert.Equal(t, Complete, item.State)
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f := NewFuture()
	assert.False(t, f.Resolved())

	f.Resolve(Result{Status: Status{ID: "t1", Code: StatusSuccess}})
	assert.True(t, f.Resolved())

	// A second resolve must not overwrite the first result.
	f.Resolve(Result{Status: Status{ID: "t1", Code: StatusFailed}})
	res := f.Wait()
	require.Equal(t, StatusSuccess, res.Status.Code)
}

func TestFutureWaitBlocksUntilResolved(t *testing.T) {
	f := NewFuture()
	done := make(chan Result, 1)
	go func() {
		done <- f.Wait()
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Resolve was called")
	case <-time.After(20 * time.Millisecond):
	}

	f.Resolve(Result{Status: Status{ID: "t1", Code: StatusSuccess}})
	select {
	case res := <-done:
		assert.Equal(t, StatusSuccess, res.Status.Code)
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Resolve")
	}
}

func TestBlacklistEntryBlacklisted(t *testing.T) {
	now := time.Now()
	entry := BlacklistEntry{ConsecutiveFailures: 5, BlacklistedUntil: now.Add(time.Minute)}
	assert.True(t, entry.Blacklisted(now))
	assert.False(t, entry.Blacklisted(now.Add(2*time.Minute)))

	notBlacklisted := BlacklistEntry{}
	assert.False(t, notBlacklisted.Blacklisted(now))
}

func TestWorkerSlotIdle(t *testing.T) {
	slot := WorkerSlot{Total: 5, Used: 2}
	assert.Equal(t, 3, slot.Idle())

	overCommitted := WorkerSlot{Total: 2, Used: 5}
	assert.Equal(t, 0, overCommitted.Idle())
}

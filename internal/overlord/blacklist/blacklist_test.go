package blacklist

import (
	"testing"
	"time"

	"github.com/linkflow-go/internal/overlord/clock"
	"github.com/linkflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestController(cfg Config) (*Controller, *clock.Mock) {
	mock := clock.NewMock(time.Now())
	return New(cfg, mock, logger.NewNop()), mock
}

func TestRecordFailureBlacklistsAfterThreshold(t *testing.T) {
	c, _ := newTestController(Config{MaxRetriesBeforeBlacklist: 3, MaxPercentageBlacklisted: 100, Backoff: time.Minute})

	assert.False(t, c.RecordFailure("worker1", 2))
	assert.False(t, c.RecordFailure("worker1", 2))
	assert.True(t, c.RecordFailure("worker1", 2))
	assert.True(t, c.IsBlacklisted("worker1"))
}

func TestRecordFailureRespectsPercentageCap(t *testing.T) {
	c, _ := newTestController(Config{MaxRetriesBeforeBlacklist: 1, MaxPercentageBlacklisted: 25, Backoff: time.Minute})

	// Even one worker out of two suspended (50%) is above a 25% cap, so
	// neither worker's would-be blacklist may take effect.
	c.RecordFailure("worker1", 2)
	assert.False(t, c.IsBlacklisted("worker1"))

	blacklisted := c.RecordFailure("worker2", 2)
	assert.False(t, blacklisted, "blacklisting one worker out of two would exceed a 25% cap")
	assert.False(t, c.IsBlacklisted("worker2"))
}

func TestRecordFailureAllowsFullBlacklistAtHundredPercentCap(t *testing.T) {
	c, _ := newTestController(Config{MaxRetriesBeforeBlacklist: 1, MaxPercentageBlacklisted: 100, Backoff: time.Minute})
	assert.True(t, c.RecordFailure("worker1", 1))
	assert.True(t, c.IsBlacklisted("worker1"))
}

func TestRecordSuccessReAdmitsImmediately(t *testing.T) {
	c, _ := newTestController(Config{MaxRetriesBeforeBlacklist: 1, MaxPercentageBlacklisted: 100, Backoff: time.Minute})
	c.RecordFailure("worker1", 1)
	require.True(t, c.IsBlacklisted("worker1"))

	c.RecordSuccess("worker1")
	assert.False(t, c.IsBlacklisted("worker1"))
}

func TestSweepReAdmitsAfterBackoffElapses(t *testing.T) {
	c, mock := newTestController(Config{MaxRetriesBeforeBlacklist: 1, MaxPercentageBlacklisted: 100, Backoff: time.Minute})
	c.RecordFailure("worker1", 1)
	assert.True(t, c.IsBlacklisted("worker1"))

	mock.Advance(2 * time.Minute)
	c.Sweep()
	assert.False(t, c.IsBlacklisted("worker1"))
}

func TestBlacklistedHostsSnapshot(t *testing.T) {
	c, _ := newTestController(Config{MaxRetriesBeforeBlacklist: 1, MaxPercentageBlacklisted: 100, Backoff: time.Minute})
	c.RecordFailure("worker1", 2)
	c.RecordFailure("worker2", 2)
	assert.ElementsMatch(t, []string{"worker1", "worker2"}, c.BlacklistedHosts())
}

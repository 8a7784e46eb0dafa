package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewTokenBucketLimiterNonPositiveRPSIsUnlimited(t *testing.T) {
	l := NewTokenBucketLimiter(0, 5)
	assert.True(t, l.Allow())
	assert.NoError(t, l.Wait(context.Background()))
	assert.Equal(t, 0, l.Burst())
}

func TestTokenBucketLimiterAllowRespectsBurst(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "third immediate call should exceed the burst of 2")
}

func TestTokenBucketLimiterWaitBlocksUntilTokenAvailable(t *testing.T) {
	l := NewTokenBucketLimiter(1000, 1)
	assert.True(t, l.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, l.Wait(ctx), "a fresh token should arrive well within a second at 1000rps")
}

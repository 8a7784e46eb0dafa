// Package ratelimit wraps golang.org/x/time/rate for internal pacing
// concerns (throttling a write-heavy loop, capping how fast a pool of
// outbound streams opens).
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter implements the token bucket algorithm.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter builds a limiter admitting rps events per second,
// allowing bursts up to burst. A non-positive rps means unlimited.
func NewTokenBucketLimiter(rps int, burst int) *TokenBucketLimiter {
	if rps <= 0 {
		return nil
	}
	return &TokenBucketLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Wait blocks until a token is available or ctx is done. A nil receiver
// (no limiter configured) never blocks.
func (l *TokenBucketLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}

// Allow reports whether an event may proceed right now, consuming a token
// if so. A nil receiver always allows.
func (l *TokenBucketLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}

func (l *TokenBucketLimiter) Limit() rate.Limit {
	if l == nil {
		return rate.Inf
	}
	return l.limiter.Limit()
}

func (l *TokenBucketLimiter) Burst() int {
	if l == nil {
		return 0
	}
	return l.limiter.Burst()
}

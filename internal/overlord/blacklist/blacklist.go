// Package blacklist is the blacklist controller (C5): it counts
// consecutive per-worker failures, suspends workers above threshold
// subject to a cluster-wide percentage cap, and re-admits them after a
// backoff.
package blacklist

import (
	"sync"
	"time"

	"github.com/linkflow-go/internal/overlord/clock"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
)

// Config holds the thresholds spec.md §6 names.
type Config struct {
	MaxRetriesBeforeBlacklist int
	MaxPercentageBlacklisted  int // 0..100
	Backoff                   time.Duration
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetriesBeforeBlacklist: 5,
		MaxPercentageBlacklisted:  100,
		Backoff:                   5 * time.Minute,
	}
}

// Controller is the single mutex-guarded blacklist table. Blacklist
// decisions are advisory: they block new assignments only, never existing
// in-flight tasks.
type Controller struct {
	mu      sync.Mutex
	entries map[string]task.BlacklistEntry

	cfg    Config
	clock  clock.Clock
	logger logger.Logger
}

// New constructs a Controller.
func New(cfg Config, clk clock.Clock, log logger.Logger) *Controller {
	return &Controller{
		entries: make(map[string]task.BlacklistEntry),
		cfg:     cfg,
		clock:   clk,
		logger:  log,
	}
}

// RecordSuccess resets the worker's consecutive-failure count and, if it
// was blacklisted, re-admits it immediately.
func (c *Controller) RecordSuccess(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entries[host]
	wasBlacklisted := entry.Blacklisted(c.clock.Now())
	delete(c.entries, host)
	if wasBlacklisted {
		c.logger.Info("worker re-admitted after successful task", "host", host)
	}
}

// RecordFailure increments the worker's consecutive-failure count and, if
// it reaches the threshold and the cluster-wide blacklisted fraction
// would stay at or under the cap, blacklists it for cfg.Backoff. totalWorkers
// is the current alive worker count, used to evaluate the percentage cap.
func (c *Controller) RecordFailure(host string, totalWorkers int) (blacklisted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.entries[host]
	entry.ConsecutiveFailures++

	if entry.ConsecutiveFailures >= c.cfg.MaxRetriesBeforeBlacklist {
		if c.wouldStayUnderCapLocked(host, totalWorkers) {
			entry.BlacklistedUntil = c.clock.Now().Add(c.cfg.Backoff)
			blacklisted = true
			c.logger.Warn("worker blacklisted", "host", host, "consecutiveFailures", entry.ConsecutiveFailures)
		}
	}

	c.entries[host] = entry
	return blacklisted
}

// wouldStayUnderCapLocked reports whether blacklisting host (in addition
// to whoever is already blacklisted) keeps the blacklisted percentage
// (rounded down) at or below the configured cap. Must be called with c.mu
// held.
func (c *Controller) wouldStayUnderCapLocked(host string, totalWorkers int) bool {
	if totalWorkers <= 0 {
		return false
	}
	now := c.clock.Now()
	blacklistedCount := 0
	for h, e := range c.entries {
		if h == host {
			continue
		}
		if e.Blacklisted(now) {
			blacklistedCount++
		}
	}
	projected := blacklistedCount + 1
	percentage := (projected * 100) / totalWorkers
	return percentage <= c.cfg.MaxPercentageBlacklisted
}

// IsBlacklisted reports whether host is currently suspended.
func (c *Controller) IsBlacklisted(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[host].Blacklisted(c.clock.Now())
}

// BlacklistedHosts returns a snapshot of hosts currently suspended.
func (c *Controller) BlacklistedHosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	var hosts []string
	for h, e := range c.entries {
		if e.Blacklisted(now) {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Sweep re-admits every worker whose backoff has elapsed, resetting its
// consecutive-failure count. Intended to be called periodically by the
// maintenance loop.
func (c *Controller) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	for h, e := range c.entries {
		if !e.BlacklistedUntil.IsZero() && !e.BlacklistedUntil.After(now) {
			delete(c.entries, h)
			c.logger.Info("worker re-admitted after backoff", "host", h)
		}
	}
}

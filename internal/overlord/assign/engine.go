// Package assign is the assignment engine (C4): it decides which pending
// task goes to which worker under capacity, affinity, and blacklist
// constraints.
package assign

import (
	"sort"

	"github.com/linkflow-go/internal/overlord/task"
)

// Candidate is an alive, non-blacklisted worker with its current used
// capacity, as seen by one assignment pass.
type Candidate struct {
	Worker task.Worker
	Used   int
}

// Idle returns the candidate's residual capacity.
func (c Candidate) Idle() int {
	idle := c.Worker.Capacity - c.Used
	if idle < 0 {
		return 0
	}
	return idle
}

// Strategy picks one worker among eligible candidates for a task.
// Candidates passed in are already filtered for category, capacity, and
// blacklist eligibility.
type Strategy interface {
	Select(candidates []Candidate) *Candidate
}

// EqualDistribution is the default strategy: the worker with the most
// idle capacity wins, ties broken deterministically by host string.
type EqualDistribution struct{}

func (EqualDistribution) Select(candidates []Candidate) *Candidate {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Idle() > best.Idle() || (c.Idle() == best.Idle() && c.Worker.Host < best.Worker.Host) {
			best = c
		}
	}
	return &best
}

// BlacklistChecker reports whether a host is currently blacklisted.
type BlacklistChecker interface {
	IsBlacklisted(host string) bool
}

// Engine applies the five selection rules from spec.md §4.4 to pick a
// worker for a single pending task.
type Engine struct {
	strategy Strategy
}

// New constructs an Engine with the given strategy. A nil strategy
// defaults to EqualDistribution.
func New(strategy Strategy) *Engine {
	if strategy == nil {
		strategy = EqualDistribution{}
	}
	return &Engine{strategy: strategy}
}

// SelectWorker filters workers eligible for t and returns the chosen one,
// or nil if none qualify this pass. groupOccupied reports whether t's
// availability group (if non-empty) is already held by another
// ASSIGNED-or-RUNNING task anywhere in the cluster.
func (e *Engine) SelectWorker(t task.Task, workers []task.Worker, used map[string]int, bl BlacklistChecker, groupOccupied bool) *task.Worker {
	if t.Resource.AvailabilityGroup != "" && groupOccupied {
		return nil
	}

	var candidates []Candidate
	for _, w := range workers {
		if w.Disabled() {
			continue
		}
		if t.Resource.Category != "" && w.Category != t.Resource.Category {
			continue
		}
		usedCap := used[w.Host]
		if w.Capacity-usedCap < t.Resource.RequiredCapacity {
			continue
		}
		if bl != nil && bl.IsBlacklisted(w.Host) {
			continue
		}
		candidates = append(candidates, Candidate{Worker: w, Used: usedCap})
	}

	chosen := e.strategy.Select(candidates)
	if chosen == nil {
		return nil
	}
	w := chosen.Worker
	return &w
}

// SortPending orders work items by queue-insertion time, the FIFO order
// the assignment pass must scan in.
func SortPending(items []*task.WorkItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].QueueInsertionTime.Before(items[j].QueueInsertionTime)
	})
}

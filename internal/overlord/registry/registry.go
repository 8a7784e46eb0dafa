// Package registry is the worker registry (C2): it tracks the currently
// alive worker set by watching ephemeral announcement nodes, and emits
// typed join/leave/update events for the coordinator to consume. A worker
// re-announcing with an empty version (disabled) arrives as an update.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/linkflow-go/internal/overlord/metrics"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
)

// EventType distinguishes the registry events a consumer can observe.
type EventType int

const (
	WorkerJoined EventType = iota
	WorkerLeft
	WorkerUpdated
)

// Event is pushed on the registry's event channel whenever the alive
// worker set changes.
type Event struct {
	Type   EventType
	Worker task.Worker
}

// Registry tracks the alive worker set, keyed by host, reflecting exactly
// the ephemeral announcement nodes currently present under /announcements.
type Registry struct {
	store   store.Store
	logger  logger.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	workers map[string]task.Worker

	events chan Event

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Registry. Call Start to begin watching.
func New(st store.Store, log logger.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   st,
		logger:  log,
		metrics: m,
		workers: make(map[string]task.Worker),
		events:  make(chan Event, 256),
	}
}

// Events exposes the registry's change feed.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Start enumerates the current announcement set and begins watching for
// changes. It blocks until the initial enumeration completes.
func (r *Registry) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.resync(runCtx); err != nil {
		return err
	}

	r.wg.Add(2)
	go r.watchLoop(runCtx)
	go r.reconnectLoop(runCtx)

	return nil
}

// Stop cancels the watch loops and releases resources. It does not delete
// any announcement nodes; those belong to the worker's own session.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// resync re-enumerates /announcements from scratch and diffs against the
// in-memory set, firing Joined/Left/Updated events for the difference.
// This is the authoritative recovery path after a session loss: no
// attempt is made to infer what happened while disconnected.
func (r *Registry) resync(ctx context.Context) error {
	children, err := r.store.Children(ctx, store.Join(store.AnnouncementsPath))
	if err != nil {
		return err
	}

	seen := make(map[string]task.Worker, len(children))
	for _, path := range children {
		_, data, err := r.store.Exists(ctx, path)
		if err != nil || data == nil {
			continue
		}
		w, err := parseWorker(data)
		if err != nil {
			r.logger.Error("malformed worker announcement, ignoring", "path", path, "error", err)
			continue
		}
		seen[w.Host] = w
	}

	r.mu.Lock()
	previous := r.workers
	r.workers = seen
	r.mu.Unlock()

	for host, w := range seen {
		if old, existed := previous[host]; !existed {
			r.publish(Event{Type: WorkerJoined, Worker: w})
		} else if old != w {
			r.publish(Event{Type: WorkerUpdated, Worker: w})
		}
	}
	for host, old := range previous {
		if _, stillThere := seen[host]; !stillThere {
			r.publish(Event{Type: WorkerLeft, Worker: old})
		}
	}

	r.refreshMetrics()
	return nil
}

func (r *Registry) watchLoop(ctx context.Context) {
	defer r.wg.Done()

	ch, err := r.store.WatchChildren(ctx, store.Join(store.AnnouncementsPath))
	if err != nil {
		r.logger.Error("failed to watch announcements", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.handle(evt)
		}
	}
}

func (r *Registry) handle(evt store.ChildEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic handling announcement event, dropping", "path", evt.Path, "panic", rec)
		}
	}()

	switch evt.Type {
	case store.ChildAdded, store.ChildUpdated:
		if evt.Data == nil {
			r.logger.Error("announcement event with nil data, ignoring", "path", evt.Path)
			return
		}
		w, err := parseWorker(evt.Data)
		if err != nil {
			r.logger.Error("malformed worker announcement, ignoring", "path", evt.Path, "error", err)
			return
		}

		r.mu.Lock()
		_, existed := r.workers[w.Host]
		r.workers[w.Host] = w
		r.mu.Unlock()

		if existed {
			r.publish(Event{Type: WorkerUpdated, Worker: w})
		} else {
			r.publish(Event{Type: WorkerJoined, Worker: w})
		}

	case store.ChildRemoved:
		host := hostFromAnnouncementPath(evt.Path)
		r.mu.Lock()
		w, existed := r.workers[host]
		delete(r.workers, host)
		r.mu.Unlock()
		if existed {
			r.publish(Event{Type: WorkerLeft, Worker: w})
		}
	}

	r.refreshMetrics()
}

func (r *Registry) reconnectLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.store.Reconnected():
			r.logger.Warn("store reconnected, resyncing worker registry")
			if err := r.resync(ctx); err != nil {
				r.logger.Error("failed to resync registry after reconnect", "error", err)
			}
		}
	}
}

func (r *Registry) publish(evt Event) {
	select {
	case r.events <- evt:
	default:
		r.logger.Error("registry event channel full, dropping event", "type", evt.Type, "host", evt.Worker.Host)
	}
}

// Get returns the worker currently announced at host, if any.
func (r *Registry) Get(host string) (task.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[host]
	return w, ok
}

// All returns a snapshot of the currently alive worker set.
func (r *Registry) All() []task.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]task.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

func (r *Registry) refreshMetrics() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetWorkersTotal(r.categoryCounts())
}

func (r *Registry) categoryCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, w := range r.workers {
		counts[w.Category]++
	}
	return counts
}

func parseWorker(data []byte) (task.Worker, error) {
	var w task.Worker
	if err := json.Unmarshal(data, &w); err != nil {
		return task.Worker{}, err
	}
	return w, nil
}

func hostFromAnnouncementPath(path string) string {
	prefix := store.Join(store.AnnouncementsPath) + "/"
	if len(path) > len(prefix) {
		return path[len(prefix):]
	}
	return path
}

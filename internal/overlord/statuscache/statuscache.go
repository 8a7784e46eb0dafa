// Package statuscache is the task status cache (C3): a per-worker child
// cache over /status/<host>, demultiplexing store events into typed
// events for the lifecycle coordinator.
package statuscache

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/linkflow-go/internal/overlord/registry"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/logger"
)

// EventType distinguishes the kinds of status events the coordinator
// reacts to.
type EventType int

const (
	StatusAdded EventType = iota
	StatusUpdated
	StatusRemoved
)

// Event carries a single status-node change for one task.
type Event struct {
	Type   EventType
	Host   string
	TaskID string
	Status task.Status // zero value for StatusRemoved
}

// Cache maintains a child watch on /status/<host> for every alive worker,
// adding and removing per-host watches as the worker registry reports
// joins and departs.
type Cache struct {
	store    store.Store
	registry *registry.Registry
	logger   logger.Logger

	events chan Event

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Cache bound to the given registry; call Start to begin
// watching.
func New(st store.Store, reg *registry.Registry, log logger.Logger) *Cache {
	return &Cache{
		store:    st,
		registry: reg,
		logger:   log,
		events:   make(chan Event, 256),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Events exposes the demultiplexed status-change feed.
func (c *Cache) Events() <-chan Event {
	return c.events
}

// Start watches every currently alive worker and begins reacting to
// registry join/leave events for hosts that appear or disappear later.
func (c *Cache) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	for _, w := range c.registry.All() {
		c.watchHost(runCtx, w.Host)
	}

	c.wg.Add(2)
	go c.registryEventLoop(runCtx)
	go c.reconnectLoop(runCtx)

	return nil
}

// Stop cancels every per-host watch.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Cache) registryEventLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.registry.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case registry.WorkerJoined:
				c.watchHost(ctx, evt.Worker.Host)
			case registry.WorkerLeft:
				c.unwatchHost(evt.Worker.Host)
			}
		}
	}
}

func (c *Cache) reconnectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.Reconnected():
			c.logger.Warn("store reconnected, resyncing status caches")
			c.resyncAll(ctx)
		}
	}
}

// resyncAll tears down and recreates every per-host watch, the
// re-enumeration path required after a session loss (see spec.md §9 open
// question on partial-write ambiguity: we never try to infer what
// happened, only rebuild from whatever nodes currently exist).
func (c *Cache) resyncAll(ctx context.Context) {
	c.mu.Lock()
	hosts := make([]string, 0, len(c.cancels))
	for h, cancel := range c.cancels {
		cancel()
		hosts = append(hosts, h)
	}
	c.cancels = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, h := range hosts {
		c.watchHost(ctx, h)
	}
}

func (c *Cache) watchHost(ctx context.Context, host string) {
	c.mu.Lock()
	if _, exists := c.cancels[host]; exists {
		c.mu.Unlock()
		return
	}
	hostCtx, cancel := context.WithCancel(ctx)
	c.cancels[host] = cancel
	c.mu.Unlock()

	// Enumerate existing status nodes first so a worker that was already
	// mid-task when we started watching is picked up immediately.
	path := store.StatusWorkerPath(host)
	existing, err := c.store.Children(hostCtx, path)
	if err != nil {
		c.logger.Error("failed to enumerate existing status nodes", "host", host, "error", err)
	}
	for _, p := range existing {
		_, data, err := c.store.Exists(hostCtx, p)
		if err != nil {
			continue
		}
		c.dispatch(store.ChildEvent{Type: store.ChildAdded, Path: p, Data: data})
	}

	ch, err := c.store.WatchChildren(hostCtx, path)
	if err != nil {
		c.logger.Error("failed to watch status path", "host", host, "error", err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-hostCtx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				c.dispatch(evt)
			}
		}
	}()
}

func (c *Cache) unwatchHost(host string) {
	c.mu.Lock()
	cancel, exists := c.cancels[host]
	if exists {
		delete(c.cancels, host)
	}
	c.mu.Unlock()
	if exists {
		cancel()
	}
}

// dispatch parses a raw store event into a typed Event. A malformed or nil
// payload is logged as an alert and dropped; it must never panic the
// dispatch loop (per spec.md §4.3 / §7).
func (c *Cache) dispatch(evt store.ChildEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling status event, dropping", "path", evt.Path, "panic", r)
		}
	}()

	host, taskID := hostAndTaskFromStatusPath(evt.Path)

	switch evt.Type {
	case store.ChildAdded, store.ChildUpdated:
		if evt.Data == nil {
			c.logger.Error("status event with nil data, ignoring", "path", evt.Path)
			return
		}
		var st task.Status
		if err := json.Unmarshal(evt.Data, &st); err != nil {
			c.logger.Error("malformed task status, ignoring", "path", evt.Path, "error", err)
			return
		}
		typ := StatusUpdated
		if evt.Type == store.ChildAdded {
			typ = StatusAdded
		}
		c.publish(Event{Type: typ, Host: host, TaskID: taskID, Status: st})

	case store.ChildRemoved:
		c.publish(Event{Type: StatusRemoved, Host: host, TaskID: taskID})
	}
}

func (c *Cache) publish(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Error("status event channel full, dropping event", "host", evt.Host, "taskId", evt.TaskID)
	}
}

func hostAndTaskFromStatusPath(path string) (host, taskID string) {
	// path is /status/<host>/<taskId>
	prefix := store.Join(store.StatusPath) + "/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

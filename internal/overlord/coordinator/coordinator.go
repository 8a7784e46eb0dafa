// Package coordinator is the task lifecycle coordinator (C6): the
// top-level state machine that binds an external task submission to a
// future-returning handle and drives it through
// PENDING -> ASSIGNED -> RUNNING -> COMPLETE.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linkflow-go/internal/overlord/assign"
	"github.com/linkflow-go/internal/overlord/blacklist"
	"github.com/linkflow-go/internal/overlord/clock"
	"github.com/linkflow-go/internal/overlord/metrics"
	"github.com/linkflow-go/internal/overlord/registry"
	"github.com/linkflow-go/internal/overlord/statuscache"
	"github.com/linkflow-go/internal/overlord/store"
	"github.com/linkflow-go/internal/overlord/task"
	"github.com/linkflow-go/pkg/events"
	"github.com/linkflow-go/pkg/logger"
	"github.com/linkflow-go/pkg/ratelimit"
)

// Config holds the tunables spec.md §6 names.
type Config struct {
	TaskAssignmentTimeout  time.Duration
	TaskCleanupTimeout     time.Duration
	AssignmentLoopInterval time.Duration
	MaintenanceInterval    time.Duration

	// StoreWriteRPS and StoreWriteBurst cap the rate at which assignPass
	// writes new assignment nodes to the store in a single pass. Zero
	// means unlimited.
	StoreWriteRPS   int
	StoreWriteBurst int
}

// DefaultConfig mirrors the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		TaskAssignmentTimeout:  5 * time.Minute,
		TaskCleanupTimeout:     time.Minute,
		AssignmentLoopInterval: time.Second,
		MaintenanceInterval:    30 * time.Second,
	}
}

// Coordinator is the long-lived background service that owns the WorkItem
// table and drives every task through its lifecycle. It is constructed
// with explicit dependencies (no package-level singleton) and has a
// start/stop pair that guarantees release of every timer and
// subscription.
type Coordinator struct {
	cfg Config

	st          store.Store
	registry    *registry.Registry
	statusCache *statuscache.Cache
	engine      *assign.Engine
	blacklistCtl *blacklist.Controller
	clk         clock.Clock
	logger      logger.Logger
	metrics     *metrics.Metrics
	eventBus    events.EventBus // optional; nil disables supplemental publication
	writeLimiter *ratelimit.TokenBucketLimiter // optional; nil means unlimited

	tableMu sync.RWMutex // coarse lock, guards iteration over items
	items   map[string]*task.WorkItem

	groupMu sync.Mutex
	assignedGroups map[string]string // availability group -> task id

	timerMu          sync.Mutex
	assignmentTimers map[string]*timerHandle // task id -> ASSIGNED -> RUNNING deadline
	cleanupTimers    map[string]*timerHandle // host -> cleanup-after-disappear deadline

	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopping bool
	stopMu   sync.Mutex
}

// Deps bundles the Coordinator's collaborators.
type Deps struct {
	Store        store.Store
	Registry     *registry.Registry
	StatusCache  *statuscache.Cache
	Engine       *assign.Engine
	Blacklist    *blacklist.Controller
	Clock        clock.Clock
	Logger       logger.Logger
	Metrics      *metrics.Metrics
	EventBus     events.EventBus
}

// New constructs a Coordinator. Call Start to begin serving.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	return &Coordinator{
		cfg:              cfg,
		st:               deps.Store,
		registry:         deps.Registry,
		statusCache:      deps.StatusCache,
		engine:           deps.Engine,
		blacklistCtl:     deps.Blacklist,
		clk:              deps.Clock,
		logger:           deps.Logger,
		metrics:          deps.Metrics,
		eventBus:         deps.EventBus,
		writeLimiter:     ratelimit.NewTokenBucketLimiter(cfg.StoreWriteRPS, cfg.StoreWriteBurst),
		items:            make(map[string]*task.WorkItem),
		assignedGroups:   make(map[string]string),
		assignmentTimers: make(map[string]*timerHandle),
		cleanupTimers:    make(map[string]*timerHandle),
	}
}

// Start rehydrates in-flight state from the store, begins watching the
// worker registry and status cache, and launches the assignment,
// event-dispatch, and maintenance loops.
func (c *Coordinator) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.registry.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start worker registry: %w", err)
	}
	if err := c.statusCache.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start status cache: %w", err)
	}

	if err := c.rehydrate(runCtx); err != nil {
		c.logger.Error("rehydration encountered errors, continuing with partial state", "error", err)
	}

	c.wg.Add(3)
	go c.assignmentLoop(runCtx)
	go c.eventDispatchLoop(runCtx)
	go c.maintenanceLoop(runCtx)

	return nil
}

// Stop cancels every loop, unsubscribes caches, and resolves every
// outstanding future with ErrWorkerCleanupCancel. It never deletes
// assignment nodes: the worker may still complete the task, and a future
// run recovers state from the store on startup.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.stopMu.Lock()
	c.stopping = true
	c.stopMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	// Unblock every outstanding timer goroutine before waiting on the
	// WaitGroup: those goroutines are parked on <-timer.C() and would
	// otherwise never return, deadlocking the wait below.
	c.timerMu.Lock()
	for _, h := range c.assignmentTimers {
		h.stop()
	}
	for _, h := range c.cleanupTimers {
		h.stop()
	}
	c.assignmentTimers = make(map[string]*timerHandle)
	c.cleanupTimers = make(map[string]*timerHandle)
	c.timerMu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("coordinator stop timed out waiting for loops")
	}

	c.statusCache.Stop()
	c.registry.Stop()

	c.tableMu.RLock()
	items := make([]*task.WorkItem, 0, len(c.items))
	for _, item := range c.items {
		items = append(items, item)
	}
	c.tableMu.RUnlock()

	for _, item := range items {
		c.failItem(item, task.ErrWorkerCleanupCancel)
	}

	return nil
}

// Submit inserts a new task into the pending queue and returns a future
// tracking its eventual outcome. Re-submitting a task id that is already
// in flight returns the same future, making external submission
// idempotent.
func (c *Coordinator) Submit(ctx context.Context, t task.Task) (*task.Future, error) {
	c.tableMu.Lock()
	if existing, ok := c.items[t.ID]; ok {
		c.tableMu.Unlock()
		return existing.Result, nil
	}
	item := task.NewWorkItem(t, c.clk.Now())
	c.items[t.ID] = item
	c.tableMu.Unlock()

	c.logger.Info("task submitted", "taskId", t.ID, "dataSource", t.DataSource)
	c.publishEvent(ctx, "task.submitted", t.ID, nil)

	return item.Result, nil
}

// Lookup implements reports.ItemLookup.
func (c *Coordinator) Lookup(taskID string) (task.State, *task.Location, bool) {
	c.tableMu.RLock()
	defer c.tableMu.RUnlock()
	item, ok := c.items[taskID]
	if !ok {
		return 0, nil, false
	}
	var loc *task.Location
	item.WithLock(func() {
		loc = item.Location
	})
	return item.State, loc, true
}

func (c *Coordinator) publishEvent(ctx context.Context, eventType, taskID string, payload map[string]interface{}) {
	if c.eventBus == nil {
		return
	}
	builder := events.NewEventBuilder(eventType).
		WithAggregateID(taskID).
		WithAggregateType("task").
		WithCorrelationID(uuid.NewString())
	for k, v := range payload {
		builder = builder.WithPayload(k, v)
	}
	if err := c.eventBus.Publish(ctx, builder.Build()); err != nil {
		c.logger.Warn("failed to publish task lifecycle event", "type", eventType, "taskId", taskID, "error", err)
	}
}

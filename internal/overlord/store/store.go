// Package store is the coordination store adapter (C1): a thin typed
// facade over the external hierarchical, watchable key-value service the
// rest of the overlord is built on. The production binding is etcd
// (go.etcd.io/etcd/client/v3); ephemeral nodes are lease-backed keys,
// persistent nodes are plain puts.
package store

import (
	"context"
	"strings"
)

// ChildEventType distinguishes additions, updates, and removals seen on a
// children watch.
type ChildEventType int

const (
	ChildAdded ChildEventType = iota
	ChildUpdated
	ChildRemoved
)

// ChildEvent is delivered by WatchChildren whenever an immediate child of
// the watched path is created, modified, or deleted.
type ChildEvent struct {
	Type ChildEventType
	Path string
	Data []byte
}

// DataEvent is delivered by WatchNodeData whenever the data at an exact
// path changes, or the node is removed (Data is nil in that case).
type DataEvent struct {
	Path string
	Data []byte
}

// Store is the coordination store adapter's public surface. In the etcd
// binding, Create, Delete, Exists and Children retry transient errors with
// capped exponential backoff (resilience.DefaultRetryConfig: three
// attempts); an error that persists past the last attempt is returned to
// the caller. The watch methods do not retry. Session loss is reported
// once, coarsely, on the channel returned by Reconnected.
type Store interface {
	// Create writes data at path. Ephemeral nodes are bound to this
	// client's session and vanish if the session is lost; persistent
	// nodes survive it.
	Create(ctx context.Context, path string, ephemeral bool, data []byte) error

	// Delete removes the node at path. Deleting an already-absent node
	// is not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether path has a node and, if so, its data.
	Exists(ctx context.Context, path string) (bool, []byte, error)

	// Children lists the immediate children of path, as full paths.
	Children(ctx context.Context, path string) ([]string, error)

	// WatchChildren streams child add/update/remove events for path
	// until ctx is cancelled. On reconnect after a session loss, the
	// adapter does not attempt to synthesize missed events; callers
	// must re-enumerate Children themselves, signalled via Reconnected.
	WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error)

	// WatchNodeData streams data-change events for the exact node at
	// path (not its children) until ctx is cancelled.
	WatchNodeData(ctx context.Context, path string) (<-chan DataEvent, error)

	// Reconnected fires once per coarse session-loss-then-reconnect
	// cycle. Subscribers must re-enumerate whatever state they cache.
	Reconnected() <-chan struct{}

	// Close releases all store-side resources (leases, watchers).
	Close() error
}

// Join builds a store path from segments, e.g. Join("announcements", host).
func Join(segments ...string) string {
	return "/" + strings.Join(segments, "/")
}

const (
	AnnouncementsPath = "announcements"
	StatusPath        = "status"
	TasksPath         = "tasks"
)

// AnnouncementPath returns /announcements/<host>.
func AnnouncementPath(host string) string {
	return Join(AnnouncementsPath, host)
}

// StatusWorkerPath returns /status/<host>.
func StatusWorkerPath(host string) string {
	return Join(StatusPath, host)
}

// StatusTaskPath returns /status/<host>/<taskID>.
func StatusTaskPath(host, taskID string) string {
	return Join(StatusPath, host, taskID)
}

// TasksWorkerPath returns /tasks/<host>.
func TasksWorkerPath(host string) string {
	return Join(TasksPath, host)
}

// TaskAssignmentPath returns /tasks/<host>/<taskID>.
func TaskAssignmentPath(host, taskID string) string {
	return Join(TasksPath, host, taskID)
}

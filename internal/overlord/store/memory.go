package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-memory Store used by unit tests. The retrieved example
// pack carries no embedded-etcd test dependency, so store-adapter
// consumers (registry, statuscache, coordinator) are tested against this
// hand-rolled fake instead (see DESIGN.md).
type Memory struct {
	mu sync.Mutex

	nodes     map[string][]byte
	ephemeral map[string]bool

	childWatchers map[string][]chan ChildEvent
	dataWatchers  map[string][]chan DataEvent

	reconnected chan struct{}
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes:         make(map[string][]byte),
		ephemeral:     make(map[string]bool),
		childWatchers: make(map[string][]chan ChildEvent),
		dataWatchers:  make(map[string][]chan DataEvent),
		reconnected:   make(chan struct{}, 1),
	}
}

func parent(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return ""
	}
	return path[:idx]
}

func (m *Memory) Create(ctx context.Context, path string, ephemeral bool, data []byte) error {
	m.mu.Lock()
	_, existed := m.nodes[path]
	m.nodes[path] = data
	m.ephemeral[path] = ephemeral
	m.mu.Unlock()

	evtType := ChildAdded
	if existed {
		evtType = ChildUpdated
	}
	m.notifyChildren(parent(path), ChildEvent{Type: evtType, Path: path, Data: data})
	m.notifyData(path, DataEvent{Path: path, Data: data})
	return nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	_, existed := m.nodes[path]
	delete(m.nodes, path)
	delete(m.ephemeral, path)
	m.mu.Unlock()

	if !existed {
		return nil
	}
	m.notifyChildren(parent(path), ChildEvent{Type: ChildRemoved, Path: path})
	m.notifyData(path, DataEvent{Path: path, Data: nil})
	return nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.nodes[path]
	return ok, data, nil
}

func (m *Memory) Children(ctx context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := path + "/"
	var children []string
	for p := range m.nodes {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			children = append(children, p)
		}
	}
	return children, nil
}

func (m *Memory) WatchChildren(ctx context.Context, path string) (<-chan ChildEvent, error) {
	ch := make(chan ChildEvent, 64)
	m.mu.Lock()
	m.childWatchers[path] = append(m.childWatchers[path], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.childWatchers[path]
		for i, w := range watchers {
			if w == ch {
				m.childWatchers[path] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *Memory) WatchNodeData(ctx context.Context, path string) (<-chan DataEvent, error) {
	ch := make(chan DataEvent, 16)
	m.mu.Lock()
	m.dataWatchers[path] = append(m.dataWatchers[path], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.dataWatchers[path]
		for i, w := range watchers {
			if w == ch {
				m.dataWatchers[path] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *Memory) notifyChildren(parentPath string, evt ChildEvent) {
	m.mu.Lock()
	watchers := append([]chan ChildEvent(nil), m.childWatchers[parentPath]...)
	m.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (m *Memory) notifyData(path string, evt DataEvent) {
	m.mu.Lock()
	watchers := append([]chan DataEvent(nil), m.dataWatchers[path]...)
	m.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SimulateSessionLoss deletes every ephemeral node (as a real session
// expiry would) and fires the coarse reconnect signal.
func (m *Memory) SimulateSessionLoss() {
	m.mu.Lock()
	var ephemeralPaths []string
	for p, eph := range m.ephemeral {
		if eph {
			ephemeralPaths = append(ephemeralPaths, p)
		}
	}
	m.mu.Unlock()

	for _, p := range ephemeralPaths {
		_ = m.Delete(context.Background(), p)
	}

	select {
	case m.reconnected <- struct{}{}:
	default:
	}
}

func (m *Memory) Reconnected() <-chan struct{} {
	return m.reconnected
}

func (m *Memory) Close() error { return nil }

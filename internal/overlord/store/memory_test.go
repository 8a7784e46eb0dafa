package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCreateExistsChildren(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "/announcements/host1", true, []byte("a")))
	require.NoError(t, m.Create(ctx, "/announcements/host2", true, []byte("b")))

	ok, data, err := m.Exists(ctx, "/announcements/host1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("a"), data)

	children, err := m.Children(ctx, "/announcements")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/announcements/host1", "/announcements/host2"}, children)
}

func TestMemoryDeleteNonExistentIsNotError(t *testing.T) {
	m := NewMemory()
	assert.NoError(t, m.Delete(context.Background(), "/nowhere"))
}

func TestMemoryWatchChildrenObservesAddAndRemove(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.WatchChildren(ctx, "/announcements")
	require.NoError(t, err)

	require.NoError(t, m.Create(ctx, "/announcements/host1", true, []byte("x")))
	select {
	case evt := <-events:
		assert.Equal(t, ChildAdded, evt.Type)
		assert.Equal(t, "/announcements/host1", evt.Path)
	case <-time.After(time.Second):
		t.Fatal("did not observe child-added event")
	}

	require.NoError(t, m.Delete(ctx, "/announcements/host1"))
	select {
	case evt := <-events:
		assert.Equal(t, ChildRemoved, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("did not observe child-removed event")
	}
}

func TestMemorySimulateSessionLossRemovesEphemeralNodesOnly(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "/announcements/host1", true, []byte("x")))
	require.NoError(t, m.Create(ctx, "/config/static", false, []byte("y")))

	m.SimulateSessionLoss()

	ok, _, _ := m.Exists(ctx, "/announcements/host1")
	assert.False(t, ok, "ephemeral node must be removed on session loss")

	ok, _, _ = m.Exists(ctx, "/config/static")
	assert.True(t, ok, "persistent node must survive session loss")

	select {
	case <-m.Reconnected():
	case <-time.After(time.Second):
		t.Fatal("Reconnected channel did not fire")
	}
}

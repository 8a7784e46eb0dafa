package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockTimerFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMock(start)

	timer := m.NewTimer(5 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before deadline")
	default:
	}

	m.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired before its deadline")
	default:
	}

	m.Advance(time.Second)
	select {
	case fired := <-timer.C():
		assert.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("timer did not fire after its deadline passed")
	}
}

func TestMockTimerStopPreventsFire(t *testing.T) {
	m := NewMock(time.Now())
	timer := m.NewTimer(time.Second)
	require.True(t, timer.Stop())

	m.Advance(time.Minute)
	select {
	case <-timer.C():
		t.Fatal("stopped timer must not fire")
	default:
	}
}

func TestMockTickerFiresRepeatedly(t *testing.T) {
	m := NewMock(time.Now())
	ticker := m.NewTicker(time.Second)
	defer ticker.Stop()

	m.Advance(time.Second)
	<-ticker.C()

	m.Advance(time.Second)
	<-ticker.C()
}

func TestMockSetFiresPastWaiters(t *testing.T) {
	start := time.Now()
	m := NewMock(start)
	timer := m.NewTimer(time.Hour)

	m.Set(start.Add(2 * time.Hour))
	select {
	case <-timer.C():
	default:
		t.Fatal("Set did not fire a waiter whose deadline had passed")
	}
}

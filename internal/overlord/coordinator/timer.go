package coordinator

import "github.com/linkflow-go/internal/overlord/clock"

// timerHandle pairs a clock.Timer with a stop signal so the goroutine
// waiting on it can be unblocked even when the timer itself never fires
// (the normal case: the watched transition happened before the deadline).
type timerHandle struct {
	timer  clock.Timer
	stopCh chan struct{}
}

func newTimerHandle(t clock.Timer) *timerHandle {
	return &timerHandle{timer: t, stopCh: make(chan struct{})}
}

// stop cancels the underlying timer and unblocks any goroutine selecting
// on h.stopCh. Safe to call multiple times.
func (h *timerHandle) stop() {
	h.timer.Stop()
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

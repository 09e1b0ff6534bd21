package bxcan

import "time"

const eventDepth = 16

// event is a counting semaphore that interrupt context signals without
// blocking. Surplus signals are dropped once eventDepth are outstanding;
// waiters always re-check their condition after waking.
type event struct{ ch chan struct{} }

func newEvent() *event { return &event{ch: make(chan struct{}, eventDepth)} }

func (e *event) signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// wait blocks until the event is signalled or d elapses.
func (e *event) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ch:
	case <-t.C:
	}
}

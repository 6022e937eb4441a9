package entity

import "time"

// idleTimer is the passivation timer. A non-positive timeout disables it:
// C returns a nil channel that never fires.
type idleTimer struct {
	timeout time.Duration
	t       *time.Timer
}

func newIdleTimer(timeout time.Duration) *idleTimer {
	it := &idleTimer{timeout: timeout}
	if timeout > 0 {
		it.t = time.NewTimer(timeout)
	}
	return it
}

func (it *idleTimer) C() <-chan time.Time {
	if it.t == nil {
		return nil
	}
	return it.t.C
}

// Reset restarts the idle window from now.
func (it *idleTimer) Reset() {
	if it.t != nil {
		it.t.Reset(it.timeout)
	}
}

// Stop pauses the timer while a command is processing.
func (it *idleTimer) Stop() {
	if it.t != nil {
		it.t.Stop()
	}
}

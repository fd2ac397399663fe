package utils

import "time"

// Timer measures how long a lock wait, a model call or an HTTP round trip
// took. Create one with [NewTimer], which starts it immediately.
type Timer struct {
	now     func() time.Time
	started time.Time
	elapsed time.Duration
	stopped bool
}

// NewTimer starts a wall-clock timer.
func NewTimer() *Timer {
	return NewTimerWithClock(time.Now)
}

// NewTimerWithClock starts a timer reading time from now.
func NewTimerWithClock(now func() time.Time) *Timer {
	return &Timer{now: now, started: now()}
}

// Stop freezes the measurement and returns it. Later calls return the first
// measurement unchanged.
func (t *Timer) Stop() time.Duration {
	if !t.stopped {
		t.elapsed = t.now().Sub(t.started)
		t.stopped = true
	}
	return t.elapsed
}

// Elapsed returns the frozen measurement after [Timer.Stop], or the time
// elapsed so far while the timer is still running.
func (t *Timer) Elapsed() time.Duration {
	if t.stopped {
		return t.elapsed
	}
	return t.now().Sub(t.started)
}

// Package timeutil implements the interval timers that pace the agent's
// polling loops.
package timeutil

import (
	"time"
)

// IntervalTimer tells you whether a recurring interval has elapsed. An
// interval of zero is always ready.
type IntervalTimer struct {
	interval time.Duration
	next     time.Time
	now      func() time.Time
}

// NewIntervalTimer returns a timer that first fires immediately and then
// every intervalSeconds after that.
func NewIntervalTimer(intervalSeconds int) *IntervalTimer {
	return &IntervalTimer{
		interval: time.Duration(intervalSeconds) * time.Second,
		next:     time.Now(),
		now:      time.Now,
	}
}

// IsItTime reports whether the interval has elapsed. On true the next
// trigger time is re-armed to now + interval.
func (t *IntervalTimer) IsItTime() bool {
	if t.next.After(t.now()) {
		return false
	}
	t.next = t.now().Add(t.interval)
	return true
}

// SecondsTillNext returns the time remaining until the next trigger.
// Negative means overdue.
func (t *IntervalTimer) SecondsTillNext() float64 {
	return t.next.Sub(t.now()).Seconds()
}

// Sleep blocks until the soonest of the given timers is due. It returns
// immediately if any of them is already due.
func Sleep(primary *IntervalTimer, others ...*IntervalTimer) {
	secs := primary.SecondsTillNext()
	for _, o := range others {
		if o == nil {
			continue
		}
		if s := o.SecondsTillNext(); s < secs {
			secs = s
		}
	}
	if secs <= 0 {
		return
	}
	time.Sleep(time.Duration(secs * float64(time.Second)))
}

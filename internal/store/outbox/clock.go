package outbox

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps. Wall-clock steps
// backwards are absorbed by advancing one nanosecond past the last value.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock reading from now (time.Now if nil).
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Next returns a timestamp strictly after every previous one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// processClock is shared by every queue of the process, so operations
// enqueued by different workers are still totally ordered.
var processClock = NewClock(nil)

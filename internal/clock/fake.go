// ABOUTME: Deterministic fake Clock for tests; time moves only on Advance.
// ABOUTME: Pending timers fire in deadline order, tickers reschedule themselves.

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time stands still until Advance is called.
// Safe for concurrent use. AfterFunc callbacks run synchronously inside
// Advance, in deadline order; do not call Advance from inside a callback.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*waiter
	changed *sync.Cond
}

// NewFake returns a FakeClock initialized to initial.
func NewFake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// waiter is a pending timer, ticker, or sleep.
type waiter struct {
	deadline time.Time
	ch       chan time.Time // nil for AfterFunc waiters
	fn       func()         // nil for channel waiters
	interval time.Duration  // non-zero for tickers
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock advances past d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &waiter{deadline: c.now.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past d. If d <= 0,
// f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	w := &waiter{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, w)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if w.stopped || w.fired {
				return false
			}
			w.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !w.stopped && !w.fired
			w.stopped = false
			w.fired = false
			w.deadline = c.now.Add(d)
			if !active {
				c.pending = append(c.pending, w)
				c.changed.Broadcast()
			}
			return active
		},
	}
}

// NewTicker returns a ticker that fires once per interval as the clock
// advances. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, w)
	c.changed.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			w.interval = d
			w.deadline = c.now.Add(d)
			w.stopped = false
		},
	}
}

// Sleep blocks until the clock advances past d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking, matching time.Ticker's drop-if-full behavior.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeExpired(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, w := range due {
			if w.fn != nil {
				w.fn()
			} else if w.ch != nil {
				select {
				case w.ch <- target:
				default:
				}
			}
		}
	}
}

// takeExpired removes expired waiters from the pending list, reschedules
// tickers, and returns the waiters to fire.
func (c *FakeClock) takeExpired(target time.Time) []*waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*waiter
	for _, w := range c.pending {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			due = append(due, w)
		} else {
			keep = append(keep, w)
		}
	}

	for _, w := range due {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			keep = append(keep, w)
		} else {
			w.fired = true
		}
	}

	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Closes the
// race between a goroutine arming a timer and the test advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, w := range c.pending {
		if !w.stopped {
			n++
		}
	}
	return n
}

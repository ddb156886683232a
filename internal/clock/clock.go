// ABOUTME: Clock interface plus the Timer and Ticker wrapper types.
// ABOUTME: Both the real and fake implementations satisfy this interface.

package clock

import "time"

// Clock is the time source for all timer-driven code in the client.
// Components take a Clock at construction instead of calling the time
// package directly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d has elapsed.
	// A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc schedules f to run after d. The returned Timer's C is
	// nil, matching time.AfterFunc. Stop cancels a pending call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a cancellable scheduled event. For AfterFunc timers C is nil.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. Returns false if it already fired or was
// already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Reset re-arms the timer to fire after d. Returns whether the timer was
// active before the call.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are
// dropped, not queued, when the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the tick interval and restarts the cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// ABOUTME: Production Clock implementation backed by the time package.
// ABOUTME: Thin wrappers around time.Now, time.After, AfterFunc, NewTicker.

package clock

import "time"

// Real returns the Clock backed by the system clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{
		stop:  t.Stop,
		reset: t.Reset,
	}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{
		C:     t.C,
		stop:  t.Stop,
		reset: t.Reset,
	}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// ABOUTME: Thread-safe sliding-window rate limiter with periodic cleanup.
// ABOUTME: All-or-nothing recording: a rejected check contributes to no window.

package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/clock"
)

// cleanupInterval is how often the background sweep evicts idle entries.
const cleanupInterval = 5 * time.Minute

// Config holds the per-window caps. A zero cap disables that window.
type Config struct {
	Burst     int // events per second
	PerMinute int
	PerHour   int
	PerDay    int
}

// window pairs a period with its cap, in check order: the tightest
// window is evaluated first so the caller gets the shortest retryAfter.
type window struct {
	name string
	size time.Duration
	cap  int
}

// entry holds the recorded timestamps for one (identifier, action) pair,
// one slice per configured window.
type entry struct {
	stamps [][]time.Time
}

// Limiter is the admission controller. Safe for concurrent use; each
// check-then-record is atomic with respect to concurrent calls.
type Limiter struct {
	mu      sync.Mutex
	windows []window
	entries map[string]*entry
	clock   clock.Clock
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// New creates a Limiter and starts its background cleanup sweep. Pass
// nil logger for default.
func New(cfg Config, clk clock.Clock, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}

	var windows []window
	add := func(name string, size time.Duration, cap int) {
		if cap > 0 {
			windows = append(windows, window{name: name, size: size, cap: cap})
		}
	}
	add("burst", time.Second, cfg.Burst)
	add("minute", time.Minute, cfg.PerMinute)
	add("hour", time.Hour, cfg.PerHour)
	add("day", 24*time.Hour, cfg.PerDay)

	l := &Limiter{
		windows: windows,
		entries: make(map[string]*entry),
		clock:   clk,
		logger:  logger.With("component", "ratelimit"),
		done:    make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Check evaluates every window for the pair and, only if all pass,
// records the current timestamp into each. On rejection it returns a
// RateLimitError naming the violated window and the time until its
// oldest entry ages out; nothing is recorded.
func (l *Limiter) Check(identifier, action string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	key := identifier + "|" + action

	e, ok := l.entries[key]
	if !ok {
		e = &entry{stamps: make([][]time.Time, len(l.windows))}
		l.entries[key] = e
	}

	// Prune and test every window before recording into any.
	for i, w := range l.windows {
		e.stamps[i] = prune(e.stamps[i], now, w.size)
		if len(e.stamps[i]) >= w.cap {
			retryAfter := e.stamps[i][0].Add(w.size).Sub(now)
			l.logger.Debug("admission rejected",
				"identifier", identifier,
				"action", action,
				"window", w.name,
				"retry_after", retryAfter,
			)
			return &clienterr.RateLimitError{
				Window:     w.name,
				RetryAfter: retryAfter,
				Limit:      w.cap,
			}
		}
	}

	for i := range l.windows {
		e.stamps[i] = append(e.stamps[i], now)
	}
	return nil
}

// Usage returns the current count in each window for the pair. Read-only:
// expired timestamps are skipped, not evicted.
func (l *Limiter) Usage(identifier, action string) map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	usage := make(map[string]int, len(l.windows))
	e := l.entries[identifier+"|"+action]

	for i, w := range l.windows {
		count := 0
		if e != nil {
			for _, ts := range e.stamps[i] {
				if ts.After(now.Add(-w.size)) {
					count++
				}
			}
		}
		usage[w.name] = count
	}
	return usage
}

// Remaining returns, per window, how many more calls the pair may make
// before hitting the cap. Read-only.
func (l *Limiter) Remaining(identifier, action string) map[string]int {
	usage := l.Usage(identifier, action)

	l.mu.Lock()
	defer l.mu.Unlock()
	remaining := make(map[string]int, len(l.windows))
	for _, w := range l.windows {
		left := w.cap - usage[w.name]
		if left < 0 {
			left = 0
		}
		remaining[w.name] = left
	}
	return remaining
}

// Stop halts the background cleanup sweep. Safe to call multiple times.
func (l *Limiter) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		close(l.done)
		l.closed = true
	}
}

// cleanupLoop periodically evicts entries whose windows have all drained.
func (l *Limiter) cleanupLoop() {
	ticker := l.clock.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.runCleanup()
		case <-l.done:
			return
		}
	}
}

// runCleanup prunes every entry and drops the ones left empty.
func (l *Limiter) runCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	for key, e := range l.entries {
		empty := true
		for i, w := range l.windows {
			e.stamps[i] = prune(e.stamps[i], now, w.size)
			if len(e.stamps[i]) > 0 {
				empty = false
			}
		}
		if empty {
			delete(l.entries, key)
		}
	}
}

// prune drops timestamps that have aged out of the window. Timestamps
// are appended in order, so the survivors are a suffix.
func prune(stamps []time.Time, now time.Time, size time.Duration) []time.Time {
	cutoff := now.Add(-size)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

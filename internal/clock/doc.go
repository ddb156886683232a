// ABOUTME: Injectable time source used by every timer-driven component.
// ABOUTME: Real clock for production, deterministic fake for tests.

// Package clock abstracts time.Now, time.After, time.AfterFunc, and
// time.NewTicker behind an interface so the runtime's timers (heartbeat,
// reconnect backoff, challenge expiry, queue dispatch, limiter cleanup)
// can be driven deterministically in tests. Production code injects
// Real(); tests inject NewFake() and call Advance.
package clock

// ABOUTME: Sliding-window admission control for outbound operations.
// ABOUTME: Burst, minute, hour, and day caps per (identifier, action) pair.

// Package ratelimit implements the admission check that runs before any
// operation enters the delivery pipeline. Each (identifier, action) pair
// owns one timestamp window per configured period; a check passes only
// when every window is under its cap, and only a passing check records
// into the windows. A background sweep evicts idle pairs so memory stays
// bounded to active identifiers.
package ratelimit

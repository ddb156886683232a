// ABOUTME: Authentication flow orchestration: QR, pairing code, restore.
// ABOUTME: Owns the active challenge and every timer attached to it.

// Package authflow produces an authenticated session through exactly one
// of three protocols: a QR challenge scanned out-of-band, a pairing code
// entered on the account's primary device, or restoration of a previously
// saved session. At most one challenge is active per flow; cancelling the
// flow stops its expiry and refresh timers atomically and leaves no
// dangling challenge.
package authflow

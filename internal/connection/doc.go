// ABOUTME: Connection lifecycle: state machine, heartbeat, reconnect backoff.
// ABOUTME: Single source of truth for connectivity; owns the Transport and Session.

// Package connection drives the client's connectivity. The Manager owns
// the ConnectionState and the authenticated Session exclusively: every
// transition goes through it, and no other component mutates either. It
// composes the auth flow and session store, emits a heartbeat to detect
// half-open sockets, and reconnects with capped exponential backoff until
// the attempt budget is exhausted.
package connection

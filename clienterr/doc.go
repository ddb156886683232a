// ABOUTME: Public error taxonomy shared by the client runtime and callers.
// ABOUTME: Typed errors carrying a kind, optional code, and a recoverable flag.

// Package clienterr defines the error types the courier client returns
// from public calls and attaches to published error events. Each type
// carries a Kind for classification, an optional service error code, and
// a Recoverable flag telling the caller whether the runtime will retry on
// its own. All types support errors.As.
package clienterr

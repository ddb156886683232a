// ABOUTME: Session identity, persistence, and the restore-token issuer.
// ABOUTME: Stores hold opaque encrypted blobs; callers never see ciphertext details.

// Package session owns the authenticated session: its identity record, the
// persistence interface used by the restore flow, and the signed token
// minted on a successful authentication. The SQLite store seals session
// blobs at rest; the in-memory store backs tests and ephemeral clients.
package session

// ABOUTME: AuthChallenge record: kind, payload, expiry, attempt counting.
// ABOUTME: Owned exclusively by the Flow; external code sees snapshots only.

package authflow

import "time"

// Challenge kinds.
const (
	KindQR      = "qr"
	KindPairing = "pairing"
)

// DefaultMaxAttempts is the failed-verification budget for a pairing
// challenge. QR challenges have no client-entered secret, so attempts
// are never consumed there.
const DefaultMaxAttempts = 5

// ChallengeStatus tracks a challenge through its lifetime.
type ChallengeStatus string

const (
	StatusPending   ChallengeStatus = "pending"
	StatusVerified  ChallengeStatus = "verified"
	StatusExpired   ChallengeStatus = "expired"
	StatusCancelled ChallengeStatus = "cancelled"
)

// Challenge is one authentication attempt. Attempts counts failed code
// verifications and never exceeds MaxAttempts; verification after
// ExpiresAt fails regardless of code correctness.
type Challenge struct {
	ID          string
	Kind        string
	Payload     string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Status      ChallengeStatus
}

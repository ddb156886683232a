// ABOUTME: Error types for connection, auth, rate-limit, queue, validation, timeout failures.
// ABOUTME: Classify maps arbitrary failures onto a Kind for recovery decisions.

package clienterr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a failure for recovery decisions. Network and Server
// failures reconnect with backoff; Auth failures invalidate the stored
// session first; RateLimited failures are never retried internally.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindAuth        Kind = "auth"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server"
	KindValidation  Kind = "validation"
	KindQueue       Kind = "queue"
	KindTimeout     Kind = "timeout"
	KindUnknown     Kind = "unknown"
)

// ConnectionError reports a failure establishing or keeping the duplex
// connection.
type ConnectionError struct {
	Kind        Kind
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection: %s: %v", e.Message, e.Err)
	}
	return "connection: " + e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError reports a failed or expired authentication flow.
type AuthenticationError struct {
	Kind        Kind
	Code        string
	Message     string
	Expired     bool
	Recoverable bool
}

func (e *AuthenticationError) Error() string {
	return "authentication: " + e.Message
}

// RateLimitError reports an admission rejection. RetryAfter is the time
// until the oldest entry in the violated window ages out.
type RateLimitError struct {
	Window     string
	RetryAfter time.Duration
	Limit      int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s window (limit %d), retry after %s",
		e.Window, e.Limit, e.RetryAfter)
}

// Recoverable is always false for rate limits: the runtime never retries
// them internally, the caller is expected to wait RetryAfter.
func (e *RateLimitError) Recoverable() bool { return false }

// QueueFullError reports load-shedding on enqueue. The rejected operation
// was not stored.
type QueueFullError struct {
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("operation queue full (limit %d)", e.Limit)
}

// ValidationError reports malformed caller input (e.g. a pairing phone
// number). Never recoverable by retry.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
	}
	return "validation: " + e.Message
}

// TimeoutError reports a bounded operation that did not complete in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s did not complete within %s", e.Op, e.Timeout)
}

// Classify maps an arbitrary failure onto a Kind by inspecting its type
// and, failing that, its message. Used by the connection manager to
// decide between reconnect, session invalidation, and surfacing.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) && connErr.Kind != "" {
		return connErr.Kind
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return KindAuth
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return KindRateLimited
	}
	var queueErr *QueueFullError
	if errors.As(err, &queueErr) {
		return KindQueue
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return KindValidation
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return KindTimeout
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	// Fall back to message inspection for errors surfaced by the
	// transport as plain strings.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "forbidden"),
		strings.Contains(msg, "auth"):
		return KindAuth
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "eof"),
		strings.Contains(msg, "network"):
		return KindNetwork
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "unavailable"):
		return KindServer
	}
	return KindUnknown
}

// Recoverable reports whether the runtime retries this class of failure
// on its own. Auth failures are recoverable in the sense that reconnect
// re-runs authentication, but the stored session is invalidated first.
func (k Kind) Recoverable() bool {
	switch k {
	case KindNetwork, KindServer, KindTimeout, KindAuth:
		return true
	default:
		return false
	}
}

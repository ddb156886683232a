// ABOUTME: Tests for the error taxonomy and failure classification.
// ABOUTME: Covers errors.As support, message-based classification, recoverability.

package clienterr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_TypedErrors(t *testing.T) {
	assert.Equal(t, KindAuth, Classify(&AuthenticationError{Message: "bad code"}))
	assert.Equal(t, KindRateLimited, Classify(&RateLimitError{Window: "minute"}))
	assert.Equal(t, KindQueue, Classify(&QueueFullError{Limit: 1000}))
	assert.Equal(t, KindValidation, Classify(&ValidationError{Message: "bad phone"}))
	assert.Equal(t, KindTimeout, Classify(&TimeoutError{Op: "open"}))
	assert.Equal(t, KindNetwork, Classify(&ConnectionError{Kind: KindNetwork, Message: "dial"}))
}

func TestClassify_WrappedTypedError(t *testing.T) {
	inner := &RateLimitError{Window: "burst", Limit: 10}
	wrapped := fmt.Errorf("enqueue rejected: %w", inner)
	assert.Equal(t, KindRateLimited, Classify(wrapped))

	var rateErr *RateLimitError
	assert.True(t, errors.As(wrapped, &rateErr))
	assert.Equal(t, "burst", rateErr.Window)
}

func TestClassify_MessageFallback(t *testing.T) {
	cases := map[string]Kind{
		"401 unauthorized":         KindAuth,
		"server rate limit hit":    KindRateLimited,
		"dial tcp: i/o timeout":    KindTimeout,
		"connection refused":       KindNetwork,
		"unexpected EOF":           KindNetwork,
		"internal server error":    KindServer,
		"something odd went wrong": KindUnknown,
	}
	for msg, want := range cases {
		assert.Equal(t, want, Classify(errors.New(msg)), "message %q", msg)
	}
}

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestKind_Recoverable(t *testing.T) {
	assert.True(t, KindNetwork.Recoverable())
	assert.True(t, KindServer.Recoverable())
	assert.True(t, KindTimeout.Recoverable())
	assert.True(t, KindAuth.Recoverable())
	assert.False(t, KindRateLimited.Recoverable())
	assert.False(t, KindQueue.Recoverable())
	assert.False(t, KindValidation.Recoverable())
	assert.False(t, KindUnknown.Recoverable())
}

func TestRateLimitError_Message(t *testing.T) {
	err := &RateLimitError{Window: "minute", RetryAfter: 30 * time.Second, Limit: 5}
	assert.Contains(t, err.Error(), "minute")
	assert.Contains(t, err.Error(), "30s")
	assert.False(t, err.Recoverable())
}

func TestConnectionError_Unwrap(t *testing.T) {
	inner := errors.New("socket closed")
	err := &ConnectionError{Kind: KindNetwork, Message: "transport closed", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "socket closed")
}

// ABOUTME: Tests for QR, pairing, and restore authentication flows.
// ABOUTME: Mock transport drives the server side; fake clock drives expiry.

package authflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/clock"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testFlowConfig() Config {
	return Config{
		Timeout:           120 * time.Second,
		QRRefreshInterval: 30 * time.Second,
		MaxAttempts:       5,
	}
}

func newTestFlow(t *testing.T) (*Flow, *wire.MockTransport, *clock.FakeClock) {
	t.Helper()
	transport := wire.NewMockTransport()
	require.NoError(t, transport.Open(context.Background(), "mock://", nil))
	clk := clock.NewFake(testEpoch)
	f := New(testFlowConfig(), transport, clk, nil)
	// Mirror the connection manager's wiring: inbound envelopes are
	// routed into the flow.
	transport.OnMessage(f.HandleEnvelope)
	return f, transport, clk
}

// runAsync starts a flow function and returns channels with its outcome.
func runAsync(fn func() (*Result, error)) (<-chan *Result, <-chan error) {
	results := make(chan *Result, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := fn()
		results <- res
		errs <- err
	}()
	return results, errs
}

func waitForChallenge(t *testing.T, f *Flow) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.Challenge() != nil
	}, 2*time.Second, time.Millisecond)
}

func TestRunQR_ScannedAndAccepted(t *testing.T) {
	f, transport, _ := newTestFlow(t)

	var payloads []string
	f.OnQRPayload(func(payload string, expiresAt time.Time) {
		payloads = append(payloads, payload)
	})

	results, errs := runAsync(func() (*Result, error) { return f.RunQR(context.Background()) })
	waitForChallenge(t, f)

	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypeQRRequest)) == 1
	}, 2*time.Second, time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypeQRUpdate, map[string]string{"payload": "qr-blob-1"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)
	assert.Equal(t, []string{"qr-blob-1"}, payloads)

	env, err = wire.NewEnvelope(wire.TypeAuthSuccess, map[string]string{"session_id": "sess-42"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)

	res := <-results
	require.NoError(t, <-errs)
	assert.Equal(t, "sess-42", res.SessionID)
	assert.Equal(t, session.MethodQR, res.Method)
	assert.Equal(t, StatusVerified, f.Challenge().Status)
}

func TestRunQR_RefreshRegeneratesPayload(t *testing.T) {
	f, transport, clk := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunQR(context.Background()) })
	waitForChallenge(t, f)

	// Expiry timer plus refresh ticker must both be armed before time moves.
	clk.WaitForTimers(2)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypeQRRequest)) == 2
	}, 2*time.Second, time.Millisecond)

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypeQRRequest)) == 3
	}, 2*time.Second, time.Millisecond)

	f.Cancel()
	<-results
	<-errs
}

func TestRunQR_AcceptedDuringRequestArmsNoRefresh(t *testing.T) {
	f, transport, clk := newTestFlow(t)

	// The server accepts in the same round trip as the QR request, so the
	// flow resolves before the refresh loop would start.
	transport.SendFunc = func(env *wire.Envelope) error {
		if env.Type == wire.TypeQRRequest {
			accepted, err := wire.NewEnvelope(wire.TypeAuthSuccess, map[string]string{"session_id": "sess-fast"})
			require.NoError(t, err)
			transport.DeliverEnvelope(accepted)
		}
		return nil
	}

	res, err := f.RunQR(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-fast", res.SessionID)
	assert.Equal(t, StatusVerified, f.Challenge().Status)

	// No timer survives the resolution, and the refresh interval elapsing
	// must not regenerate the payload.
	assert.Equal(t, 0, clk.PendingCount())
	clk.Advance(30 * time.Second)
	assert.Len(t, transport.SentOfType(wire.TypeQRRequest), 1)
}

func TestRunQR_Expiry(t *testing.T) {
	f, _, clk := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunQR(context.Background()) })
	waitForChallenge(t, f)
	clk.WaitForTimers(2)

	clk.Advance(120 * time.Second)

	assert.Nil(t, <-results)
	err := <-errs
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "timeout", authErr.Code)
	assert.True(t, authErr.Expired)
	assert.Equal(t, StatusExpired, f.Challenge().Status)
}

func TestRunQR_SecondFlowRejectedWhileActive(t *testing.T) {
	f, _, _ := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunQR(context.Background()) })
	waitForChallenge(t, f)

	_, err := f.RunQR(context.Background())
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "flow_active", authErr.Code)

	f.Cancel()
	<-results
	<-errs
}

func TestRunPairing_PhoneValidation(t *testing.T) {
	f, _, _ := newTestFlow(t)

	for _, phone := range []string{"", "123456", "1234567890123456", "555-0123", "+15550123"} {
		_, err := f.RunPairing(context.Background(), phone)
		var valErr *clienterr.ValidationError
		assert.ErrorAs(t, err, &valErr, "phone %q", phone)
	}
	assert.Nil(t, f.Challenge(), "rejected input must not create a challenge")
}

func TestRunPairing_CodeDeliveredAndVerified(t *testing.T) {
	f, transport, _ := newTestFlow(t)

	var codes []string
	f.OnPairingCode(func(code string, expiresAt time.Time) {
		codes = append(codes, code)
	})

	results, errs := runAsync(func() (*Result, error) { return f.RunPairing(context.Background(), "15550123456") })
	waitForChallenge(t, f)

	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypePairingRequest)) == 1
	}, 2*time.Second, time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypePairingRequest, map[string]string{"code": "WXYZ-1234"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)
	assert.Equal(t, []string{"WXYZ-1234"}, codes)

	require.NoError(t, f.Verify("WXYZ-1234"))

	res := <-results
	require.NoError(t, <-errs)
	assert.Equal(t, session.MethodPairing, res.Method)
	assert.NotEmpty(t, res.SessionID)
}

func TestVerify_WrongCodeConsumesAttempts(t *testing.T) {
	f, transport, _ := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunPairing(context.Background(), "15550123456") })
	waitForChallenge(t, f)

	env, err := wire.NewEnvelope(wire.TypePairingRequest, map[string]string{"code": "WXYZ-1234"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)

	// Five wrong codes consume every attempt.
	for i := 1; i <= 5; i++ {
		err := f.Verify("wrong")
		var authErr *clienterr.AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.Equal(t, "invalid_code", authErr.Code)
		assert.Equal(t, i, f.Challenge().Attempts)
	}

	// The sixth attempt fails even with the correct code.
	err = f.Verify("WXYZ-1234")
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "attempts_exhausted", authErr.Code)
	assert.Equal(t, 5, f.Challenge().Attempts, "attempts never exceed the maximum")

	f.Cancel()
	<-results
	<-errs
}

func TestVerify_ExpiryOverridesCorrectCode(t *testing.T) {
	f, transport, clk := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunPairing(context.Background(), "15550123456") })
	waitForChallenge(t, f)

	env, err := wire.NewEnvelope(wire.TypePairingRequest, map[string]string{"code": "WXYZ-1234"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)

	clk.WaitForTimers(1)
	clk.Advance(121 * time.Second)

	err = f.Verify("WXYZ-1234")
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Expired, "correct code after expiry still fails")

	assert.Nil(t, <-results)
	<-errs
}

func TestCancel_Idempotent(t *testing.T) {
	f, _, clk := newTestFlow(t)

	results, errs := runAsync(func() (*Result, error) { return f.RunQR(context.Background()) })
	waitForChallenge(t, f)
	clk.WaitForTimers(2)

	f.Cancel()
	f.Cancel()

	assert.Nil(t, <-results)
	err := <-errs
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "cancelled", authErr.Code)
	assert.Equal(t, StatusCancelled, f.Challenge().Status)

	// Cancellation stops the expiry timer and refresh loop.
	require.Eventually(t, func() bool {
		return clk.PendingCount() == 0
	}, 2*time.Second, time.Millisecond)
}

func TestCancel_ContextCancellation(t *testing.T) {
	f, _, _ := newTestFlow(t)

	ctx, cancel := context.WithCancel(context.Background())
	results, errs := runAsync(func() (*Result, error) { return f.RunQR(ctx) })
	waitForChallenge(t, f)

	cancel()
	assert.Nil(t, <-results)
	assert.ErrorIs(t, <-errs, context.Canceled)
	require.Eventually(t, func() bool {
		return f.Challenge().Status == StatusCancelled
	}, 2*time.Second, time.Millisecond)
}

func storedSession(t *testing.T, issuer *session.TokenIssuer, store session.Store) *session.Session {
	t.Helper()
	token, err := issuer.Issue("sess-7", session.MethodQR)
	require.NoError(t, err)

	sess := &session.Session{
		ID:            "sess-7",
		Authenticated: true,
		AuthMethod:    session.MethodQR,
		Token:         token,
		CreatedAt:     testEpoch,
	}
	blob, err := sess.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "default", blob))
	return sess
}

func TestRestore_Success(t *testing.T) {
	f, transport, clk := newTestFlow(t)
	store := session.NewMemoryStore()
	issuer := session.NewTokenIssuer([]byte("secret"), 30*24*time.Hour, clk)
	want := storedSession(t, issuer, store)

	type restored struct {
		sess *session.Session
		err  error
	}
	out := make(chan restored, 1)
	go func() {
		sess, err := f.Restore(context.Background(), store, issuer, "default")
		out <- restored{sess, err}
	}()

	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypeSessionValidate)) == 1
	}, 2*time.Second, time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypeAck, nil)
	require.NoError(t, err)
	transport.DeliverEnvelope(env)

	got := <-out
	require.NoError(t, got.err)
	assert.Equal(t, want.ID, got.sess.ID)
	assert.Equal(t, want.AuthMethod, got.sess.AuthMethod)
}

func TestRestore_ExpiredTokenFailsLocally(t *testing.T) {
	f, transport, clk := newTestFlow(t)
	store := session.NewMemoryStore()
	issuer := session.NewTokenIssuer([]byte("secret"), time.Hour, clk)
	storedSession(t, issuer, store)

	clk.Advance(2 * time.Hour)

	_, err := f.Restore(context.Background(), store, issuer, "default")
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.True(t, authErr.Expired)

	// The dead token never went to the server.
	assert.Empty(t, transport.SentOfType(wire.TypeSessionValidate))
}

func TestRestore_MissingSession(t *testing.T) {
	f, _, clk := newTestFlow(t)
	store := session.NewMemoryStore()
	issuer := session.NewTokenIssuer([]byte("secret"), time.Hour, clk)

	_, err := f.Restore(context.Background(), store, issuer, "default")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestRestore_ServerRejection(t *testing.T) {
	f, transport, clk := newTestFlow(t)
	store := session.NewMemoryStore()
	issuer := session.NewTokenIssuer([]byte("secret"), time.Hour, clk)
	storedSession(t, issuer, store)

	out := make(chan error, 1)
	go func() {
		_, err := f.Restore(context.Background(), store, issuer, "default")
		out <- err
	}()

	require.Eventually(t, func() bool {
		return len(transport.SentOfType(wire.TypeSessionValidate)) == 1
	}, 2*time.Second, time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypeError, map[string]string{"message": "session revoked"})
	require.NoError(t, err)
	transport.DeliverEnvelope(env)

	err = <-out
	var authErr *clienterr.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "rejected", authErr.Code)
}

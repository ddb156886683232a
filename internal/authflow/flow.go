// ABOUTME: The Flow actor running QR, pairing, and restore authentication.
// ABOUTME: Lock-guarded state; waits suspend on channels, timer callbacks never block.

package authflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/clock"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

// Config bounds the authentication flows.
type Config struct {
	Timeout           time.Duration // challenge lifetime
	QRRefreshInterval time.Duration // payload regeneration period, QR only
	MaxAttempts       int           // failed code verifications tolerated, pairing only
}

// Result is the outcome of a successful flow, consumed by the connection
// manager to build and persist the Session.
type Result struct {
	SessionID string
	Method    string
}

// Flow runs at most one authentication protocol at a time against the
// transport. Inbound envelopes are routed in by the connection manager
// through HandleEnvelope.
type Flow struct {
	mu        sync.Mutex
	cfg       Config
	transport wire.Transport
	clock     clock.Clock
	logger    *slog.Logger

	challenge   *Challenge
	done        chan flowOutcome
	expiryTimer *clock.Timer
	refreshStop chan struct{}

	// validateWait is non-nil while a restore's live validation round
	// trip is outstanding.
	validateWait chan error

	onQRPayload   func(payload string, expiresAt time.Time)
	onPairingCode func(code string, expiresAt time.Time)
}

type flowOutcome struct {
	result *Result
	err    error
}

// payloadData is the inbound shape for qr_update and pairing code
// envelopes, and the auth_success session reference.
type payloadData struct {
	Payload   string `json:"payload,omitempty"`
	Code      string `json:"code,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

// New creates a Flow. Pass nil logger for default.
func New(cfg Config, transport wire.Transport, clk clock.Clock, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flow{
		cfg:       cfg,
		transport: transport,
		clock:     clk,
		logger:    logger.With("component", "authflow"),
	}
}

// OnQRPayload registers the callback emitted on every QR payload
// (re)generation.
func (f *Flow) OnQRPayload(fn func(payload string, expiresAt time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onQRPayload = fn
}

// OnPairingCode registers the callback emitted when the pairing code
// arrives.
func (f *Flow) OnPairingCode(fn func(code string, expiresAt time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onPairingCode = fn
}

// Challenge returns a snapshot of the active challenge, or nil.
func (f *Flow) Challenge() *Challenge {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge == nil {
		return nil
	}
	snapshot := *f.challenge
	return &snapshot
}

// RunQR requests a QR challenge and blocks until it is scanned and
// accepted out-of-band, expires, or is cancelled. The payload is
// regenerated on the refresh interval while the challenge is pending.
func (f *Flow) RunQR(ctx context.Context) (*Result, error) {
	done, err := f.begin(KindQR)
	if err != nil {
		return nil, err
	}

	if err := f.requestPayload(ctx); err != nil {
		f.finish(nil, fmt.Errorf("requesting qr challenge: %w", err))
	} else {
		f.startRefresh(ctx)
	}

	return f.wait(ctx, done)
}

// RunPairing validates the phone number, requests a pairing code, and
// blocks until the code is accepted, expires, or is cancelled. The code
// is never refreshed.
func (f *Flow) RunPairing(ctx context.Context, phone string) (*Result, error) {
	if err := validatePhone(phone); err != nil {
		return nil, err
	}

	done, err := f.begin(KindPairing)
	if err != nil {
		return nil, err
	}

	env, err := wire.NewEnvelope(wire.TypePairingRequest, map[string]string{"phone": phone})
	if err != nil {
		f.finish(nil, fmt.Errorf("building pairing request: %w", err))
	} else if err := f.transport.Send(ctx, env); err != nil {
		f.finish(nil, fmt.Errorf("requesting pairing code: %w", err))
	}

	return f.wait(ctx, done)
}

// Restore loads a saved session, checks its token locally, and asks the
// server to validate it live. On any failure the caller falls back to a
// fresh QR or pairing flow.
func (f *Flow) Restore(ctx context.Context, store session.Store, issuer *session.TokenIssuer, name string) (*session.Session, error) {
	blob, err := store.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	sess, err := session.DecodeSession(blob)
	if err != nil {
		return nil, err
	}

	// Local expiry check first; no round trip for a token we already
	// know is dead.
	if _, _, err := issuer.Verify(sess.Token); err != nil {
		if errors.Is(err, session.ErrExpiredToken) {
			return nil, &clienterr.AuthenticationError{
				Kind:    clienterr.KindAuth,
				Code:    "session_expired",
				Message: "stored session token expired",
				Expired: true,
			}
		}
		return nil, &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "session_invalid",
			Message: fmt.Sprintf("stored session token rejected: %v", err),
		}
	}

	wait := make(chan error, 1)
	f.mu.Lock()
	if f.validateWait != nil {
		f.mu.Unlock()
		return nil, &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "flow_active",
			Message: "session validation already in progress",
		}
	}
	f.validateWait = wait
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.validateWait = nil
		f.mu.Unlock()
	}()

	env, err := wire.NewEnvelope(wire.TypeSessionValidate, map[string]string{"session_id": sess.ID})
	if err != nil {
		return nil, err
	}
	if err := f.transport.Send(ctx, env); err != nil {
		return nil, fmt.Errorf("validating session: %w", err)
	}

	select {
	case err := <-wait:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f.logger.Info("session restored", "session_id", sess.ID, "method", sess.AuthMethod)
	return sess, nil
}

// Verify checks a pairing code entered by the caller. Expiry overrides
// correctness; a wrong code consumes one attempt; once attempts are
// exhausted every further verification fails regardless of the code.
func (f *Flow) Verify(code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := f.challenge
	if ch == nil || ch.Kind != KindPairing {
		return &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "no_challenge",
			Message: "no pairing challenge active",
		}
	}

	if ch.Status == StatusExpired || f.clock.Now().After(ch.ExpiresAt) {
		err := &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "challenge_expired",
			Message: "pairing code expired",
			Expired: true,
		}
		f.finishLocked(StatusExpired, nil, err)
		return err
	}

	if ch.Attempts >= ch.MaxAttempts {
		return &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "attempts_exhausted",
			Message: fmt.Sprintf("pairing verification failed %d times", ch.MaxAttempts),
		}
	}

	if ch.Payload == "" || code != ch.Payload {
		ch.Attempts++
		f.logger.Debug("pairing code rejected", "attempts", ch.Attempts, "max", ch.MaxAttempts)
		return &clienterr.AuthenticationError{
			Kind:        clienterr.KindAuth,
			Code:        "invalid_code",
			Message:     "pairing code does not match",
			Recoverable: ch.Attempts < ch.MaxAttempts,
		}
	}

	f.finishLocked(StatusVerified, &Result{SessionID: uuid.New().String(), Method: session.MethodPairing}, nil)
	return nil
}

// HandleEnvelope routes an inbound envelope into the active flow. The
// connection manager calls this from the transport's read path; it never
// blocks.
func (f *Flow) HandleEnvelope(env *wire.Envelope) {
	var data payloadData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			f.logger.Warn("malformed auth envelope", "type", env.Type, "error", err)
			return
		}
	}

	switch env.Type {
	case wire.TypeQRUpdate:
		f.handleQRUpdate(data.Payload)
	case wire.TypePairingRequest:
		f.handlePairingCode(data.Code)
	case wire.TypeAuthSuccess:
		f.handleAuthSuccess(data.SessionID)
	case wire.TypeAck:
		f.handleValidateResult(nil)
	case wire.TypeError:
		f.handleError(data.Message)
	}
}

// Cancel stops the active flow, if any. Idempotent: timers are stopped,
// the challenge is marked cancelled, and any blocked Run call returns.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.finishLocked(StatusCancelled, nil, &clienterr.AuthenticationError{
		Kind:    clienterr.KindAuth,
		Code:    "cancelled",
		Message: "authentication flow cancelled",
	})

	if f.validateWait != nil {
		f.validateWait <- &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "cancelled",
			Message: "session validation cancelled",
		}
		f.validateWait = nil
	}
}

// begin installs a fresh challenge and its expiry timer. Fails if another
// flow is already active.
func (f *Flow) begin(kind string) (chan flowOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.challenge != nil && f.challenge.Status == StatusPending {
		return nil, &clienterr.AuthenticationError{
			Kind:    clienterr.KindAuth,
			Code:    "flow_active",
			Message: "another authentication flow is already active",
		}
	}

	now := f.clock.Now()
	f.challenge = &Challenge{
		ID:          uuid.New().String(),
		Kind:        kind,
		IssuedAt:    now,
		ExpiresAt:   now.Add(f.cfg.Timeout),
		MaxAttempts: f.cfg.MaxAttempts,
		Status:      StatusPending,
	}
	f.done = make(chan flowOutcome, 1)
	f.expiryTimer = f.clock.AfterFunc(f.cfg.Timeout, f.expire)

	f.logger.Info("authentication challenge issued",
		"challenge_id", f.challenge.ID,
		"kind", kind,
		"expires_at", f.challenge.ExpiresAt,
	)
	return f.done, nil
}

// wait blocks until the flow resolves or the context is cancelled. A
// context cancellation cancels the flow so no timer outlives the wait.
func (f *Flow) wait(ctx context.Context, done chan flowOutcome) (*Result, error) {
	select {
	case outcome := <-done:
		return outcome.result, outcome.err
	case <-ctx.Done():
		f.Cancel()
		return nil, ctx.Err()
	}
}

// requestPayload asks the server for a (new) QR payload.
func (f *Flow) requestPayload(ctx context.Context) error {
	env, err := wire.NewEnvelope(wire.TypeQRRequest, nil)
	if err != nil {
		return err
	}
	return f.transport.Send(ctx, env)
}

// startRefresh launches the QR regeneration loop. It stops the instant
// the flow resolves, and never starts when the flow already resolved
// while the payload request was in flight.
func (f *Flow) startRefresh(ctx context.Context) {
	f.mu.Lock()
	if f.challenge == nil || f.challenge.Status != StatusPending {
		f.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	f.refreshStop = stop
	f.mu.Unlock()

	go func() {
		ticker := f.clock.NewTicker(f.cfg.QRRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := f.requestPayload(ctx); err != nil {
					f.logger.Warn("qr refresh failed", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

func (f *Flow) handleQRUpdate(payload string) {
	f.mu.Lock()
	ch := f.challenge
	if ch == nil || ch.Kind != KindQR || ch.Status != StatusPending {
		f.mu.Unlock()
		return
	}
	ch.Payload = payload
	emit := f.onQRPayload
	expiresAt := ch.ExpiresAt
	f.mu.Unlock()

	if emit != nil {
		emit(payload, expiresAt)
	}
}

func (f *Flow) handlePairingCode(code string) {
	f.mu.Lock()
	ch := f.challenge
	if ch == nil || ch.Kind != KindPairing || ch.Status != StatusPending {
		f.mu.Unlock()
		return
	}
	ch.Payload = code
	emit := f.onPairingCode
	expiresAt := ch.ExpiresAt
	f.mu.Unlock()

	if emit != nil {
		emit(code, expiresAt)
	}
}

func (f *Flow) handleAuthSuccess(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := f.challenge
	if ch == nil || ch.Status != StatusPending {
		return
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	method := session.MethodQR
	if ch.Kind == KindPairing {
		method = session.MethodPairing
	}
	f.finishLocked(StatusVerified, &Result{SessionID: sessionID, Method: method}, nil)
}

func (f *Flow) handleError(message string) {
	f.mu.Lock()
	validateWait := f.validateWait
	f.validateWait = nil
	f.mu.Unlock()

	err := &clienterr.AuthenticationError{
		Kind:    clienterr.KindAuth,
		Code:    "rejected",
		Message: message,
	}
	if validateWait != nil {
		validateWait <- err
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.challenge == nil || f.challenge.Status != StatusPending {
		return
	}
	f.finishLocked(StatusCancelled, nil, err)
}

func (f *Flow) handleValidateResult(err error) {
	f.mu.Lock()
	wait := f.validateWait
	f.validateWait = nil
	f.mu.Unlock()

	if wait != nil {
		wait <- err
	}
}

// expire fires from the expiry timer.
func (f *Flow) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := f.challenge
	if ch == nil || ch.Status != StatusPending {
		return
	}
	f.logger.Info("authentication challenge expired", "challenge_id", ch.ID, "kind", ch.Kind)
	f.finishLocked(StatusExpired, nil, &clienterr.AuthenticationError{
		Kind:    clienterr.KindAuth,
		Code:    "timeout",
		Message: "authentication challenge expired",
		Expired: true,
	})
}

// finish resolves the flow from outside the lock.
func (f *Flow) finish(result *Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status := StatusCancelled
	if result != nil {
		status = StatusVerified
	}
	f.finishLocked(status, result, err)
}

// finishLocked resolves the active flow exactly once: stops the expiry
// timer and refresh loop, stamps the challenge status, and unblocks the
// waiting Run call. No-op when no flow is pending. Callers hold f.mu.
func (f *Flow) finishLocked(status ChallengeStatus, result *Result, err error) {
	ch := f.challenge
	if ch == nil || ch.Status != StatusPending {
		return
	}
	ch.Status = status

	if f.expiryTimer != nil {
		f.expiryTimer.Stop()
		f.expiryTimer = nil
	}
	if f.refreshStop != nil {
		close(f.refreshStop)
		f.refreshStop = nil
	}
	if f.done != nil {
		f.done <- flowOutcome{result: result, err: err}
		f.done = nil
	}
}

// validatePhone enforces the pairing phone format: digits only, 7 to 15
// of them.
func validatePhone(phone string) error {
	if len(phone) < 7 || len(phone) > 15 {
		return &clienterr.ValidationError{
			Field:   "phone_number",
			Message: "must be 7 to 15 digits",
		}
	}
	for _, r := range phone {
		if r < '0' || r > '9' {
			return &clienterr.ValidationError{
				Field:   "phone_number",
				Message: "must contain digits only",
			}
		}
	}
	return nil
}

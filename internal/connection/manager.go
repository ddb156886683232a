// ABOUTME: The Manager: connect/authenticate/ready/disconnect transitions.
// ABOUTME: Heartbeat staleness detection and capped exponential reconnect backoff.

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/authflow"
	"github.com/2389/courier-client/internal/clock"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

// Config bounds the connection lifecycle.
type Config struct {
	URL                  string
	SessionName          string
	AutoReconnect        bool
	MaxReconnectAttempts int
	OpenTimeout          time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
}

// Manager owns the ConnectionState and Session. All transitions happen
// here; callers observe them through the OnStateChange callback. Safe for
// concurrent use.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	state State
	sess  *session.Session

	transport wire.Transport
	flow      *authflow.Flow
	store     session.Store
	issuer    *session.TokenIssuer
	clock     clock.Clock
	logger    *slog.Logger

	hbStop   chan struct{}
	lastPong time.Time

	reconnectAttempt int
	reconnectTimer   *clock.Timer

	onStateChange func(from, to State)
	onMessage     func(*wire.Envelope)
	onError       func(err error)
	onExhausted   func()
}

// New creates a Manager in the Disconnected state and wires itself into
// the transport's callbacks. Pass nil logger for default.
func New(cfg Config, transport wire.Transport, flow *authflow.Flow, store session.Store, issuer *session.TokenIssuer, clk clock.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		cfg:       cfg,
		state:     StateDisconnected,
		transport: transport,
		flow:      flow,
		store:     store,
		issuer:    issuer,
		clock:     clk,
		logger:    logger.With("component", "connection"),
	}
	transport.OnMessage(m.routeMessage)
	transport.OnClose(m.handleClose)
	transport.OnPong(m.recordPong)
	return m
}

// OnStateChange registers the transition callback. Invoked outside the
// manager's lock, once per semantic transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnMessage registers the callback for inbound envelopes, invoked after
// the auth flow has seen them.
func (m *Manager) OnMessage(fn func(*wire.Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnError registers the callback for failures originating inside timer
// callbacks and transport drops.
func (m *Manager) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

// OnReconnectExhausted registers the callback fired exactly once when the
// reconnect budget runs out and the manager goes terminal.
func (m *Manager) OnReconnectExhausted(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExhausted = fn
}

// Status returns the current state and a snapshot of the session, if any.
func (m *Manager) Status() (State, *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return m.state, nil
	}
	snapshot := *m.sess
	return m.state, &snapshot
}

// Connect opens the transport. Fails unless currently Disconnected; the
// open is bounded by the configured timeout.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		state := m.state
		m.mu.Unlock()
		return &clienterr.ConnectionError{
			Kind:    clienterr.KindUnknown,
			Code:    "invalid_state",
			Message: fmt.Sprintf("connect called while %s", state),
		}
	}
	notify := m.transitionLocked(StateConnecting)
	m.mu.Unlock()
	notify()

	// A superseding connect leaves no dangling challenge behind.
	m.flow.Cancel()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.OpenTimeout)
	defer cancel()

	if err := m.transport.Open(dialCtx, m.cfg.URL, nil); err != nil {
		m.transition(StateDisconnected)
		if errors.Is(err, context.DeadlineExceeded) {
			return &clienterr.ConnectionError{
				Kind:        clienterr.KindTimeout,
				Code:        "open_timeout",
				Message:     fmt.Sprintf("transport open did not complete within %s", m.cfg.OpenTimeout),
				Recoverable: true,
				Err:         err,
			}
		}
		kind := clienterr.Classify(err)
		if kind == clienterr.KindAuth {
			// The service refused the credentials at the door: the stored
			// session is dead and must not be retried.
			m.invalidateSession()
		}
		return &clienterr.ConnectionError{
			Kind:        kind,
			Code:        "open_failed",
			Message:     "transport open failed",
			Recoverable: true,
			Err:         err,
		}
	}

	m.transition(StateConnected)
	m.startHeartbeat()
	return nil
}

// AuthenticateQR authenticates the connection, restoring a stored session
// when possible and falling back to the QR challenge flow. Blocks until
// Ready, failure, or cancellation.
func (m *Manager) AuthenticateQR(ctx context.Context) (*session.Session, error) {
	return m.authenticate(ctx, func(ctx context.Context) (*authflow.Result, error) {
		return m.flow.RunQR(ctx)
	})
}

// AuthenticatePairing authenticates via the pairing-code flow, with the
// same restore short-circuit.
func (m *Manager) AuthenticatePairing(ctx context.Context, phone string) (*session.Session, error) {
	return m.authenticate(ctx, func(ctx context.Context) (*authflow.Result, error) {
		return m.flow.RunPairing(ctx, phone)
	})
}

func (m *Manager) authenticate(ctx context.Context, run func(context.Context) (*authflow.Result, error)) (*session.Session, error) {
	m.mu.Lock()
	if m.state != StateConnected {
		state := m.state
		m.mu.Unlock()
		return nil, &clienterr.ConnectionError{
			Kind:    clienterr.KindUnknown,
			Code:    "invalid_state",
			Message: fmt.Sprintf("authenticate called while %s", state),
		}
	}
	notify := m.transitionLocked(StateAuthenticating)
	m.mu.Unlock()
	notify()

	// Restore short-circuits straight to Ready without a fresh challenge.
	if sess, ok := m.tryRestore(ctx); ok {
		m.completeAuth(ctx, sess)
		return sess, nil
	}

	result, err := run(ctx)
	if err != nil {
		// A failed direct call does not change connection state beyond
		// reverting the authenticating marker.
		m.transition(StateConnected)
		return nil, err
	}

	sess, err := m.buildSession(ctx, result)
	if err != nil {
		m.transition(StateConnected)
		return nil, err
	}
	m.completeAuth(ctx, sess)
	return sess, nil
}

// tryRestore attempts a session restore. A miss or failure is not an
// error from the caller's perspective; an auth-classified rejection
// invalidates the stored blob before falling back.
func (m *Manager) tryRestore(ctx context.Context) (*session.Session, bool) {
	exists, err := m.store.Exists(ctx, m.cfg.SessionName)
	if err != nil || !exists {
		return nil, false
	}

	sess, err := m.flow.Restore(ctx, m.store, m.issuer, m.cfg.SessionName)
	if err != nil {
		m.logger.Info("session restore failed, falling back to fresh authentication", "error", err)
		if clienterr.Classify(err) == clienterr.KindAuth {
			m.invalidateSession()
		}
		return nil, false
	}
	return sess, true
}

// buildSession mints the token and constructs the session record for a
// freshly verified challenge.
func (m *Manager) buildSession(ctx context.Context, result *authflow.Result) (*session.Session, error) {
	token, err := m.issuer.Issue(result.SessionID, result.Method)
	if err != nil {
		return nil, fmt.Errorf("issuing session token: %w", err)
	}

	now := m.clock.Now()
	return &session.Session{
		ID:            result.SessionID,
		Authenticated: true,
		AuthMethod:    result.Method,
		Token:         token,
		CreatedAt:     now,
	}, nil
}

// completeAuth persists the session and transitions to Ready. The
// reconnect attempt counter resets here and only here.
func (m *Manager) completeAuth(ctx context.Context, sess *session.Session) {
	sess.ConnectedAt = m.clock.Now()
	if blob, err := sess.Encode(); err == nil {
		if err := m.store.Save(ctx, m.cfg.SessionName, blob); err != nil {
			m.logger.Warn("saving session failed", "error", err)
		}
	}

	m.mu.Lock()
	m.sess = sess
	m.reconnectAttempt = 0
	notify := m.transitionLocked(StateReady)
	m.mu.Unlock()
	notify()

	m.logger.Info("connection ready", "session_id", sess.ID, "method", sess.AuthMethod)
}

// Send transmits one envelope. Permitted only while Ready.
func (m *Manager) Send(ctx context.Context, env *wire.Envelope) error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()

	if state != StateReady {
		return &clienterr.ConnectionError{
			Kind:        clienterr.KindUnknown,
			Code:        "not_ready",
			Message:     fmt.Sprintf("send while %s", state),
			Recoverable: true,
		}
	}
	return m.transport.Send(ctx, env)
}

// Disconnect tears everything down: auth flow, heartbeat, pending
// backoff, transport. Idempotent — disconnecting while Disconnected is a
// no-op and produces no transition.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	notify := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	m.flow.Cancel()
	if err := m.transport.Close(); err != nil {
		m.logger.Debug("transport close failed", "error", err)
	}
	notify()
}

// handleClose fires from the transport when the connection drops.
func (m *Manager) handleClose(code int, reason string) {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	wasAuthed := m.sess != nil && m.sess.Authenticated
	m.stopHeartbeatLocked()
	notify := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	m.flow.Cancel()
	notify()

	m.logger.Warn("connection dropped", "code", code, "reason", reason)
	m.emitError(&clienterr.ConnectionError{
		Kind:        clienterr.KindNetwork,
		Code:        "connection_dropped",
		Message:     fmt.Sprintf("connection closed: %s", reason),
		Recoverable: true,
	})

	if m.cfg.AutoReconnect && wasAuthed {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt, or goes
// terminal when the budget is spent.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.state == StateFailed || m.state == StateReady {
		m.mu.Unlock()
		return
	}
	if m.reconnectAttempt >= m.cfg.MaxReconnectAttempts {
		m.failLocked()
		return
	}

	delay := m.backoffLocked()
	notify := m.transitionLocked(StateReconnecting)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		// Opening the transport blocks; never do it on the timer's
		// goroutine.
		go m.attemptReconnect()
	})
	attempt := m.reconnectAttempt
	m.mu.Unlock()
	notify()

	m.logger.Info("reconnect scheduled", "attempt", attempt+1, "delay", delay)
}

// backoffLocked computes min(baseDelay * 2^attempt, maxDelay).
func (m *Manager) backoffLocked() time.Duration {
	delay := m.cfg.ReconnectBaseDelay << m.reconnectAttempt
	if delay > m.cfg.ReconnectMaxDelay || delay <= 0 {
		delay = m.cfg.ReconnectMaxDelay
	}
	return delay
}

// failLocked goes terminal and reports exhaustion exactly once. Callers
// hold m.mu; the lock is released here.
func (m *Manager) failLocked() {
	notify := m.transitionLocked(StateFailed)
	exhausted := m.onExhausted
	attempts := m.reconnectAttempt
	m.mu.Unlock()
	notify()

	m.logger.Error("reconnect attempts exhausted", "attempts", attempts)
	m.emitError(&clienterr.ConnectionError{
		Kind:        clienterr.KindNetwork,
		Code:        "reconnect_exhausted",
		Message:     fmt.Sprintf("gave up after %d reconnect attempts", attempts),
		Recoverable: false,
	})
	if exhausted != nil {
		exhausted()
	}
}

// attemptReconnect runs one reconnect: reopen, then restore the session.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.OpenTimeout)
	defer cancel()

	if err := m.transport.Open(ctx, m.cfg.URL, nil); err != nil {
		m.reconnectFailed(err)
		return
	}

	m.mu.Lock()
	if m.state != StateReconnecting {
		// Disconnected while the dial was in flight.
		m.mu.Unlock()
		m.transport.Close()
		return
	}
	notify := m.transitionLocked(StateConnected)
	m.mu.Unlock()
	notify()
	m.startHeartbeat()

	sess, err := m.flow.Restore(ctx, m.store, m.issuer, m.cfg.SessionName)
	if err != nil {
		if clienterr.Classify(err) == clienterr.KindAuth {
			// The stored session is dead: stop reconnecting and force a
			// fresh authentication on the next connect.
			m.invalidateSession()
			m.emitError(err)
			m.Disconnect()
			return
		}
		m.transport.Close()
		m.reconnectFailed(err)
		return
	}
	m.completeAuth(context.Background(), sess)
}

// reconnectFailed counts the attempt and either re-arms the backoff or
// goes terminal.
func (m *Manager) reconnectFailed(err error) {
	m.mu.Lock()
	if m.state != StateReconnecting && m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeatLocked()
	m.reconnectAttempt++
	attempt := m.reconnectAttempt
	if attempt >= m.cfg.MaxReconnectAttempts {
		m.failLocked()
		return
	}

	delay := m.backoffLocked()
	notify := m.transitionLocked(StateReconnecting)
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		go m.attemptReconnect()
	})
	m.mu.Unlock()
	notify()

	m.logger.Warn("reconnect attempt failed", "attempt", attempt, "next_delay", delay, "error", err)
}

// invalidateSession deletes the stored session blob and clears the
// in-memory record.
func (m *Manager) invalidateSession() {
	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()

	if err := m.store.Delete(context.Background(), m.cfg.SessionName); err != nil {
		m.logger.Warn("invalidating stored session failed", "error", err)
	} else {
		m.logger.Info("stored session invalidated")
	}
}

// startHeartbeat launches the ping loop if it is not already running.
func (m *Manager) startHeartbeat() {
	m.mu.Lock()
	if m.hbStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.hbStop = stop
	m.lastPong = m.clock.Now()
	m.mu.Unlock()

	go m.heartbeatLoop(stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// heartbeatLoop pings on the configured interval and watches for a stale
// peer. It exits when the heartbeat is stopped or staleness is declared.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if m.heartbeatTick() {
				return
			}
		case <-stop:
			return
		}
	}
}

// heartbeatTick checks pong freshness and fires a ping. Returns true when
// the connection was declared stale. A half-open socket accepts writes
// silently; only the missing pong reveals it.
func (m *Manager) heartbeatTick() bool {
	m.mu.Lock()
	last := m.lastPong
	m.mu.Unlock()

	staleAfter := m.cfg.HeartbeatInterval * 5 / 2
	if m.clock.Now().Sub(last) > staleAfter {
		m.logger.Warn("heartbeat stale, forcing disconnect",
			"last_pong", last,
			"cutoff", staleAfter,
		)
		m.declareStale()
		return true
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		defer cancel()
		if err := m.transport.Ping(ctx); err != nil {
			m.logger.Debug("ping failed", "error", err)
		}
	}()
	return false
}

// declareStale forces the connection down and hands off to the reconnect
// path, exactly like a transport-reported drop.
func (m *Manager) declareStale() {
	m.mu.Lock()
	if m.state == StateDisconnected || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	wasAuthed := m.sess != nil && m.sess.Authenticated
	m.stopHeartbeatLocked()
	notify := m.transitionLocked(StateDisconnected)
	m.mu.Unlock()

	m.flow.Cancel()
	m.transport.Close()
	notify()

	m.emitError(&clienterr.ConnectionError{
		Kind:        clienterr.KindNetwork,
		Code:        "heartbeat_stale",
		Message:     "no pong within the staleness cutoff",
		Recoverable: true,
	})

	if m.cfg.AutoReconnect && wasAuthed {
		m.scheduleReconnect()
	}
}

func (m *Manager) recordPong() {
	m.mu.Lock()
	m.lastPong = m.clock.Now()
	m.mu.Unlock()
}

// routeMessage hands inbound envelopes to the auth flow first, then to
// the subscriber callback.
func (m *Manager) routeMessage(env *wire.Envelope) {
	m.flow.HandleEnvelope(env)

	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (m *Manager) emitError(err error) {
	m.mu.Lock()
	fn := m.onError
	m.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// transition moves to a new state and notifies.
func (m *Manager) transition(to State) {
	m.mu.Lock()
	notify := m.transitionLocked(to)
	m.mu.Unlock()
	notify()
}

// transitionLocked records the transition and returns the notification
// closure, which callers invoke after releasing the lock. A self
// transition notifies nobody.
func (m *Manager) transitionLocked(to State) func() {
	from := m.state
	if from == to {
		return func() {}
	}
	m.state = to
	cb := m.onStateChange
	m.logger.Debug("state transition", "from", from, "to", to)
	return func() {
		if cb != nil {
			cb(from, to)
		}
	}
}

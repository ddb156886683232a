// ABOUTME: Public Client façade wiring limiter, queue, auth flow, and connection.
// ABOUTME: Outbound path: admission check, queue, then the wire once Ready.

// Package courier is a client runtime for the Courier real-time messaging
// service. A Client owns the connection lifecycle, authenticates via QR
// challenge, pairing code, or session restore, and ships outbound
// operations through an admission-controlled retry queue while
// reconnecting transparently through network churn.
package courier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/authflow"
	"github.com/2389/courier-client/internal/clock"
	"github.com/2389/courier-client/internal/config"
	"github.com/2389/courier-client/internal/connection"
	"github.com/2389/courier-client/internal/queue"
	"github.com/2389/courier-client/internal/ratelimit"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

// Status is a read-only snapshot of the client's connectivity.
type Status struct {
	State         string
	SessionID     string
	Authenticated bool
	AuthMethod    string
	ConnectedAt   time.Time
	QueueDepth    int
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	scheduledAt time.Time
}

// WithScheduledAt delays an operation's eligibility until t.
func WithScheduledAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.scheduledAt = t }
}

// Client is the public runtime façade. Construct with New, then Connect
// and authenticate; operations enqueued before Ready are held and
// dispatched once the connection is Ready.
type Client struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	transport wire.Transport
	store     session.Store
	flow      *authflow.Flow
	limiter   *ratelimit.Limiter
	queue     *queue.Queue
	manager   *connection.Manager
	bus       *eventBus

	mu     sync.Mutex
	closed bool
}

// New wires a Client from its collaborators. transport and store are
// required; clk and logger default to the real clock and slog.Default.
func New(cfg *config.Config, transport wire.Transport, store session.Store, clk clock.Clock, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With("component", "client"),
		clock:     clk,
		transport: transport,
		store:     store,
		bus:       newEventBus(logger),
	}

	issuer := session.NewTokenIssuer([]byte(cfg.Session.TokenSecret), cfg.Session.TokenTTL, clk)

	c.flow = authflow.New(authflow.Config{
		Timeout:           cfg.Auth.Timeout,
		QRRefreshInterval: cfg.Auth.QRRefreshInterval,
		MaxAttempts:       authflow.DefaultMaxAttempts,
	}, transport, clk, logger)

	c.limiter = ratelimit.New(ratelimit.Config{
		Burst:     cfg.RateLimits.Burst,
		PerMinute: cfg.RateLimits.PerMinute,
		PerHour:   cfg.RateLimits.PerHour,
		PerDay:    cfg.RateLimits.PerDay,
	}, clk, logger)

	c.queue = queue.New(queue.Config{
		MaxSize:          cfg.Queue.MaxSize,
		MaxRetries:       cfg.Queue.MaxRetries,
		RetryDelay:       cfg.Queue.RetryDelay,
		BatchSize:        cfg.Queue.BatchSize,
		DispatchInterval: cfg.Queue.DispatchInterval,
	}, c.deliver, clk, logger)

	sessionName := cfg.Service.ClientName
	if sessionName == "" {
		sessionName = "default"
	}
	c.manager = connection.New(connection.Config{
		URL:                  cfg.Service.URL,
		SessionName:          sessionName,
		AutoReconnect:        cfg.Connection.AutoReconnect,
		MaxReconnectAttempts: cfg.Connection.MaxReconnectAttempts,
		OpenTimeout:          cfg.Connection.OpenTimeout,
		HeartbeatInterval:    cfg.Connection.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.Connection.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Connection.ReconnectMaxDelay,
	}, transport, c.flow, store, issuer, clk, logger)

	c.manager.OnStateChange(c.handleStateChange)
	c.manager.OnMessage(c.handleMessage)
	c.manager.OnError(c.handleError)
	c.manager.OnReconnectExhausted(func() {
		c.bus.publish(EventReconnectExhausted, nil, c.clock.Now())
	})
	c.flow.OnQRPayload(func(payload string, expiresAt time.Time) {
		c.bus.publish(EventQRGenerated, QRData{Payload: payload, ExpiresAt: expiresAt}, c.clock.Now())
	})
	c.flow.OnPairingCode(func(code string, expiresAt time.Time) {
		c.bus.publish(EventPairingCode, PairingData{Code: code, ExpiresAt: expiresAt}, c.clock.Now())
	})
	c.queue.OnDrop(func(op *queue.Operation, err error) {
		c.bus.publish(EventError, ErrorData{
			Kind:        clienterr.Classify(err),
			Message:     fmt.Sprintf("operation %s dropped after %d attempts: %v", op.ID, op.Attempts, err),
			Recoverable: false,
		}, c.clock.Now())
	})

	return c, nil
}

// Connect opens the transport. Authentication is a separate step; see
// AuthenticateWithQR and AuthenticateWithPairing.
func (c *Client) Connect(ctx context.Context) error {
	return c.manager.Connect(ctx)
}

// Disconnect tears the connection down, pausing the queue without
// discarding its content. Idempotent.
func (c *Client) Disconnect() {
	c.manager.Disconnect()
}

// AuthenticateWithQR authenticates via the QR challenge flow, restoring a
// stored session when possible. Blocks until Ready or failure; progress
// arrives as qr_generated, authenticated, and ready events.
func (c *Client) AuthenticateWithQR(ctx context.Context) error {
	_, err := c.manager.AuthenticateQR(ctx)
	return err
}

// AuthenticateWithPairing authenticates via the pairing-code flow for the
// given phone number.
func (c *Client) AuthenticateWithPairing(ctx context.Context, phoneNumber string) error {
	_, err := c.manager.AuthenticatePairing(ctx, phoneNumber)
	return err
}

// VerifyPairingCode submits a pairing code entered by the user.
func (c *Client) VerifyPairingCode(code string) error {
	return c.flow.Verify(code)
}

// EnqueueOperation admits an operation through the rate limiter and hands
// it to the retry queue. Returns the operation ID. The payload is opaque
// to the runtime.
func (c *Client) EnqueueOperation(payload json.RawMessage, priority int, opts ...EnqueueOption) (string, error) {
	var options enqueueOptions
	for _, opt := range opts {
		opt(&options)
	}

	if err := c.limiter.Check(c.identifier(), "operation"); err != nil {
		return "", err
	}
	return c.queue.Enqueue(payload, priority, options.scheduledAt)
}

// Status returns a snapshot of connection state, session, and queue depth.
func (c *Client) Status() Status {
	state, sess := c.manager.Status()
	status := Status{
		State:      string(state),
		QueueDepth: c.queue.Len(),
	}
	if sess != nil {
		status.SessionID = sess.ID
		status.Authenticated = sess.Authenticated
		status.AuthMethod = sess.AuthMethod
		status.ConnectedAt = sess.ConnectedAt
	}
	return status
}

// PendingOperations returns a diagnostic copy of everything still queued.
func (c *Client) PendingOperations() []queue.Operation {
	return c.queue.Snapshot()
}

// Usage returns the rate limiter's current per-window counts for this
// client. Read-only.
func (c *Client) Usage() map[string]int {
	return c.limiter.Usage(c.identifier(), "operation")
}

// Remaining returns how many more operations each window admits.
func (c *Client) Remaining() map[string]int {
	return c.limiter.Remaining(c.identifier(), "operation")
}

// Subscribe registers an event subscriber. The channel closes when ctx is
// cancelled, Unsubscribe is called with the returned ID, or the client is
// closed.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, string) {
	return c.bus.subscribe(ctx)
}

// Unsubscribe removes a subscription and closes its channel.
func (c *Client) Unsubscribe(subID string) {
	c.bus.unsubscribe(subID)
}

// Close disconnects and releases every background resource. The client is
// unusable afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.manager.Disconnect()
	c.queue.Stop()
	c.limiter.Stop()
	c.bus.close()
}

// identifier keys rate-limit windows: the session when authenticated,
// the configured client name before that.
func (c *Client) identifier() string {
	if _, sess := c.manager.Status(); sess != nil {
		return sess.ID
	}
	return c.cfg.Service.ClientName
}

// deliver ships one queued operation over the wire. Queue dispatch only
// runs while Ready, but the state can change between batch selection and
// delivery; the manager re-checks.
func (c *Client) deliver(op *queue.Operation) error {
	env := &wire.Envelope{
		Type:      "operation",
		Data:      op.Payload,
		ID:        op.ID,
		Timestamp: c.clock.Now().UnixMilli(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Connection.OpenTimeout)
	defer cancel()
	return c.manager.Send(ctx, env)
}

// handleStateChange pauses and resumes the queue around Ready and
// re-publishes transitions as events.
func (c *Client) handleStateChange(from, to connection.State) {
	now := c.clock.Now()

	if from == connection.StateReady {
		c.queue.Pause()
	}

	switch to {
	case connection.StateConnected:
		c.bus.publish(EventConnected, nil, now)
	case connection.StateDisconnected:
		c.bus.publish(EventDisconnected, nil, now)
	case connection.StateReconnecting:
		c.bus.publish(EventReconnecting, nil, now)
	case connection.StateReady:
		// Reaching Ready always means an authentication just succeeded,
		// fresh or restored.
		c.bus.publish(EventAuthenticated, nil, now)
		c.bus.publish(EventReady, nil, now)
		c.queue.Resume()
	}
}

// handleMessage re-publishes inbound envelopes to subscribers.
func (c *Client) handleMessage(env *wire.Envelope) {
	c.bus.publish(EventMessage, env, c.clock.Now())
}

// handleError re-publishes failures surfaced by timers and the transport.
func (c *Client) handleError(err error) {
	kind := clienterr.Classify(err)
	c.bus.publish(EventError, ErrorData{
		Kind:        kind,
		Message:     err.Error(),
		Recoverable: kind.Recoverable(),
	}, c.clock.Now())
}

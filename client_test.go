// ABOUTME: End-to-end tests for the Client façade.
// ABOUTME: Full QR scenario, event ordering, admission, queue flow, idempotent disconnect.

package courier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/clock"
	"github.com/2389/courier-client/internal/config"
	"github.com/2389/courier-client/internal/session"
	"github.com/2389/courier-client/wire"
)

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClientConfig() *config.Config {
	cfg := config.Default()
	cfg.Service.URL = "mock://courier"
	cfg.Service.ClientName = "test-client"
	cfg.Session.TokenSecret = "test-secret"
	return cfg
}

type clientHarness struct {
	client    *Client
	transport *wire.MockTransport
	clk       *clock.FakeClock
	events    <-chan Event
}

func newClientHarness(t *testing.T, cfg *config.Config) *clientHarness {
	t.Helper()

	transport := wire.NewMockTransport()
	clk := clock.NewFake(testEpoch)
	client, err := New(cfg, transport, session.NewMemoryStore(), clk, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	events, _ := client.Subscribe(context.Background())
	return &clientHarness{client: client, transport: transport, clk: clk, events: events}
}

// collectEvents drains already-published events of the given types, in
// order, until want have been seen or the timeout hits.
func (h *clientHarness) collectEvents(t *testing.T, want int) []EventType {
	t.Helper()
	var got []EventType
	deadline := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case ev := <-h.events:
			got = append(got, ev.Type)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", got)
		}
	}
	return got
}

// authenticate drives the full QR flow to Ready.
func (h *clientHarness) authenticate(t *testing.T) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- h.client.AuthenticateWithQR(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType(wire.TypeQRRequest)) > 0
	}, 2*time.Second, time.Millisecond)

	env, err := wire.NewEnvelope(wire.TypeAuthSuccess, map[string]string{"session_id": "sess-e2e"})
	require.NoError(t, err)
	h.transport.DeliverEnvelope(env)
	require.NoError(t, <-done)
}

func TestClient_EndToEndQRScenario(t *testing.T) {
	h := newClientHarness(t, testClientConfig())

	require.NoError(t, h.client.Connect(context.Background()))

	done := make(chan error, 1)
	go func() { done <- h.client.AuthenticateWithQR(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType(wire.TypeQRRequest)) == 1
	}, 2*time.Second, time.Millisecond)

	// The server issues the QR payload; the application sees it as an
	// event to render.
	qr, err := wire.NewEnvelope(wire.TypeQRUpdate, map[string]string{"payload": "qr-blob"})
	require.NoError(t, err)
	h.transport.DeliverEnvelope(qr)

	// Out-of-band scan and acceptance.
	accepted, err := wire.NewEnvelope(wire.TypeAuthSuccess, map[string]string{"session_id": "sess-e2e"})
	require.NoError(t, err)
	h.transport.DeliverEnvelope(accepted)
	require.NoError(t, <-done)

	status := h.client.Status()
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, "sess-e2e", status.SessionID)
	assert.True(t, status.Authenticated)

	// Semantic transitions arrive in order, each exactly once. The
	// inbound envelopes are re-published between them as messages.
	var got []EventType
	for _, ev := range h.collectEvents(t, 6) {
		if ev != EventMessage {
			got = append(got, ev)
		}
	}
	assert.Equal(t,
		[]EventType{EventConnected, EventQRGenerated, EventAuthenticated, EventReady},
		got)
}

func TestClient_EnqueueFlowsToWireWhenReady(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))
	h.authenticate(t)

	payload := json.RawMessage(`{"to":"friend","body":"hello"}`)
	opID, err := h.client.EnqueueOperation(payload, 1)
	require.NoError(t, err)

	// One dispatch tick ships the operation.
	h.clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType("operation")) == 1
	}, 2*time.Second, time.Millisecond)

	sent := h.transport.SentOfType("operation")[0]
	assert.Equal(t, opID, sent.ID)
	assert.Equal(t, payload, sent.Data)
	assert.Equal(t, 0, h.client.Status().QueueDepth)
}

func TestClient_QueueHeldUntilReady(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))

	_, err := h.client.EnqueueOperation(json.RawMessage(`{"n":1}`), 2)
	require.NoError(t, err)

	// Connected but not Ready: ticks must not dispatch.
	h.clk.Advance(time.Second)
	assert.Empty(t, h.transport.SentOfType("operation"))
	assert.Equal(t, 1, h.client.Status().QueueDepth)

	h.authenticate(t)
	h.clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType("operation")) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestClient_EnqueueRateLimited(t *testing.T) {
	cfg := testClientConfig()
	cfg.RateLimits.Burst = 3
	h := newClientHarness(t, cfg)

	for i := 0; i < 3; i++ {
		_, err := h.client.EnqueueOperation(json.RawMessage(`{}`), 3)
		require.NoError(t, err)
	}

	_, err := h.client.EnqueueOperation(json.RawMessage(`{}`), 3)
	var rateErr *clienterr.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "burst", rateErr.Window)

	// The rejection never reached the queue.
	assert.Equal(t, 3, h.client.Status().QueueDepth)
	assert.Equal(t, 3, h.client.Usage()["burst"])
}

func TestClient_EnqueueQueueFull(t *testing.T) {
	cfg := testClientConfig()
	cfg.Queue.MaxSize = 2
	cfg.RateLimits.Burst = 100
	h := newClientHarness(t, cfg)

	for i := 0; i < 2; i++ {
		_, err := h.client.EnqueueOperation(json.RawMessage(`{}`), 3)
		require.NoError(t, err)
	}

	_, err := h.client.EnqueueOperation(json.RawMessage(`{}`), 3)
	var fullErr *clienterr.QueueFullError
	require.ErrorAs(t, err, &fullErr)
	assert.Equal(t, 2, fullErr.Limit)
}

func TestClient_DisconnectIdempotent(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))
	h.authenticate(t)

	h.client.Disconnect()
	h.client.Disconnect()

	assert.Equal(t, "disconnected", h.client.Status().State)

	disconnects := 0
	drain := time.After(100 * time.Millisecond)
	for {
		select {
		case ev := <-h.events:
			if ev.Type == EventDisconnected {
				disconnects++
			}
			continue
		case <-drain:
		}
		break
	}
	assert.Equal(t, 1, disconnects, "one disconnected event, not two")
}

func TestClient_DropPausesQueueAndReconnects(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))
	h.authenticate(t)

	_, err := h.client.EnqueueOperation(json.RawMessage(`{"n":1}`), 1)
	require.NoError(t, err)

	h.transport.SimulateClose(1006, "network blip")
	assert.Equal(t, "reconnecting", h.client.Status().State)

	// Queued content survives the drop, paused.
	h.clk.Advance(time.Second)
	assert.Equal(t, 1, h.client.Status().QueueDepth)

	// Backoff elapses, the transport reopens, and the session restores.
	h.clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType(wire.TypeSessionValidate)) == 1
	}, 2*time.Second, time.Millisecond)

	ack, err := wire.NewEnvelope(wire.TypeAck, nil)
	require.NoError(t, err)
	h.transport.DeliverEnvelope(ack)

	require.Eventually(t, func() bool {
		return h.client.Status().State == "ready"
	}, 2*time.Second, time.Millisecond)

	// Dispatch resumes and the held operation ships.
	h.clk.Advance(100 * time.Millisecond)
	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType("operation")) == 1
	}, 2*time.Second, time.Millisecond)
}

func TestClient_PairingFlowEmitsCode(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))

	done := make(chan error, 1)
	go func() { done <- h.client.AuthenticateWithPairing(context.Background(), "15550123456") }()

	require.Eventually(t, func() bool {
		return len(h.transport.SentOfType(wire.TypePairingRequest)) == 1
	}, 2*time.Second, time.Millisecond)

	code, err := wire.NewEnvelope(wire.TypePairingRequest, map[string]string{"code": "ABCD-1234"})
	require.NoError(t, err)
	h.transport.DeliverEnvelope(code)

	require.NoError(t, h.client.VerifyPairingCode("ABCD-1234"))
	require.NoError(t, <-done)

	status := h.client.Status()
	assert.Equal(t, "ready", status.State)
	assert.Equal(t, session.MethodPairing, status.AuthMethod)
}

func TestClient_PairingInvalidPhone(t *testing.T) {
	h := newClientHarness(t, testClientConfig())
	require.NoError(t, h.client.Connect(context.Background()))

	err := h.client.AuthenticateWithPairing(context.Background(), "not-a-number")
	var valErr *clienterr.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestClient_SubscribeUnsubscribe(t *testing.T) {
	h := newClientHarness(t, testClientConfig())

	events, subID := h.client.Subscribe(context.Background())
	h.client.Unsubscribe(subID)

	_, open := <-events
	assert.False(t, open, "channel closes on unsubscribe")
}

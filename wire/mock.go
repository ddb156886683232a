// ABOUTME: Scriptable in-memory Transport implementation for testing.
// ABOUTME: Allows tests to drive inbound envelopes, pongs, and failures.

package wire

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ErrMockClosed is returned by Send and Ping when the mock is not open.
var ErrMockClosed = errors.New("wire: mock transport not open")

// MockTransport is an in-memory Transport for tests and the demo CLI.
// The "server side" is driven by the Deliver* and SimulateClose methods.
type MockTransport struct {
	mu        sync.Mutex
	open      bool
	sent      []*Envelope
	openCalls int
	onMessage func(*Envelope)
	onClose   func(code int, reason string)
	onPong    func()

	// OpenFunc, when set, decides the outcome of each Open call.
	OpenFunc func(url string) error
	// SendFunc, when set, decides the outcome of each Send call after
	// the envelope is recorded.
	SendFunc func(env *Envelope) error
	// PingFunc, when set, decides the outcome of each Ping call. When
	// nil, Ping succeeds and delivers a pong synchronously.
	PingFunc func() error
}

// NewMockTransport creates a mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// Open marks the transport open, or fails per OpenFunc.
func (m *MockTransport) Open(ctx context.Context, url string, headers http.Header) error {
	m.mu.Lock()
	m.openCalls++
	openFn := m.OpenFunc
	m.mu.Unlock()

	if openFn != nil {
		if err := openFn(url); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.open = true
	m.mu.Unlock()
	return nil
}

// Send records the envelope, then consults SendFunc.
func (m *MockTransport) Send(ctx context.Context, env *Envelope) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrMockClosed
	}
	m.sent = append(m.sent, env)
	sendFn := m.SendFunc
	m.mu.Unlock()

	if sendFn != nil {
		return sendFn(env)
	}
	return nil
}

// OnMessage registers the inbound envelope callback.
func (m *MockTransport) OnMessage(fn func(*Envelope)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = fn
}

// OnClose registers the connection-drop callback.
func (m *MockTransport) OnClose(fn func(code int, reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClose = fn
}

// Ping succeeds with a synchronous pong unless PingFunc says otherwise.
func (m *MockTransport) Ping(ctx context.Context) error {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return ErrMockClosed
	}
	pingFn := m.PingFunc
	pong := m.onPong
	m.mu.Unlock()

	if pingFn != nil {
		if err := pingFn(); err != nil {
			return err
		}
	}
	if pong != nil {
		pong()
	}
	return nil
}

// OnPong registers the pong callback.
func (m *MockTransport) OnPong(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPong = fn
}

// Close marks the transport closed. Idempotent, no close callback — a
// local Close is not a connection drop.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// DeliverEnvelope injects an inbound envelope as if the server sent it.
func (m *MockTransport) DeliverEnvelope(env *Envelope) {
	m.mu.Lock()
	fn := m.onMessage
	m.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// DeliverPong invokes the pong callback directly, for tests that fail
// Ping via PingFunc but still want a late pong.
func (m *MockTransport) DeliverPong() {
	m.mu.Lock()
	fn := m.onPong
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateClose drops the connection from the server side.
func (m *MockTransport) SimulateClose(code int, reason string) {
	m.mu.Lock()
	m.open = false
	fn := m.onClose
	m.mu.Unlock()
	if fn != nil {
		fn(code, reason)
	}
}

// SentEnvelopes returns a copy of everything sent so far.
func (m *MockTransport) SentEnvelopes() []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Envelope, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentOfType returns the sent envelopes matching the given type.
func (m *MockTransport) SentOfType(envType string) []*Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Envelope
	for _, env := range m.sent {
		if env.Type == envType {
			out = append(out, env)
		}
	}
	return out
}

// OpenCalls returns how many times Open was attempted.
func (m *MockTransport) OpenCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCalls
}

// IsOpen reports whether the transport is currently open.
func (m *MockTransport) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

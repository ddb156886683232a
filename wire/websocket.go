// ABOUTME: Production Transport implementation over a websocket connection.
// ABOUTME: JSON envelope codec, read loop, ping/pong, close-code reporting.

package wire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// WebSocketTransport carries envelopes over a websocket. One read-loop
// goroutine runs per open connection and exits when the socket closes.
type WebSocketTransport struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	onMessage func(*Envelope)
	onClose   func(code int, reason string)
	onPong    func()
	logger    *slog.Logger
}

// NewWebSocketTransport creates a transport. Pass nil logger for default.
func NewWebSocketTransport(logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTransport{
		logger: logger.With("component", "transport"),
	}
}

// Open dials the service. The caller's context bounds the dial; the read
// loop runs on its own context until Close or a read error.
func (t *WebSocketTransport) Open(ctx context.Context, url string, headers http.Header) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("wire: transport already open")
	}
	t.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("wire: dialing %s: %w", url, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.cancel = cancel
	t.mu.Unlock()

	go t.readLoop(readCtx, conn)
	return nil
}

// Send marshals the envelope and writes it as a text frame.
func (t *WebSocketTransport) Send(ctx context.Context, env *Envelope) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("wire: transport not open")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encoding envelope: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("wire: writing envelope: %w", err)
	}
	return nil
}

// OnMessage registers the inbound envelope callback.
func (t *WebSocketTransport) OnMessage(fn func(*Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = fn
}

// OnClose registers the connection-drop callback.
func (t *WebSocketTransport) OnClose(fn func(code int, reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

// Ping probes the peer. coder/websocket's Ping blocks until the matching
// pong arrives, so a nil return doubles as the pong signal.
func (t *WebSocketTransport) Ping(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	pong := t.onPong
	t.mu.Unlock()
	if conn == nil {
		return errors.New("wire: transport not open")
	}

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("wire: ping: %w", err)
	}
	if pong != nil {
		pong()
	}
	return nil
}

// OnPong registers the pong callback.
func (t *WebSocketTransport) OnPong(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onPong = fn
}

// Close tears the connection down. Safe to call when already closed.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

// readLoop decodes inbound frames into envelopes until the socket closes,
// then reports the close code and reason.
func (t *WebSocketTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.cancel = nil
			}
			onClose := t.onClose
			t.mu.Unlock()

			code := int(websocket.CloseStatus(err))
			reason := err.Error()
			var closeErr websocket.CloseError
			if errors.As(err, &closeErr) {
				reason = closeErr.Reason
			}
			if onClose != nil {
				onClose(code, reason)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}

		t.mu.Lock()
		onMessage := t.onMessage
		t.mu.Unlock()
		if onMessage != nil {
			onMessage(&env)
		}
	}
}

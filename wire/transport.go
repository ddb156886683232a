// ABOUTME: Transport interface consumed by the connection manager.
// ABOUTME: Narrow duplex contract: open, send, receive callback, ping, close.

package wire

import (
	"context"
	"net/http"
)

// Transport is the duplex channel to the Courier service. Implementations
// must be safe for concurrent use. Open, Send, and Ping are the only
// blocking operations; callbacks must be registered before Open and are
// invoked from the transport's read loop.
type Transport interface {
	// Open establishes the connection. The context bounds the dial.
	Open(ctx context.Context, url string, headers http.Header) error

	// Send transmits one envelope.
	Send(ctx context.Context, env *Envelope) error

	// OnMessage registers the inbound envelope callback.
	OnMessage(fn func(*Envelope))

	// OnClose registers the callback invoked when the connection drops,
	// with the close code and reason reported by the peer (or a local
	// read error).
	OnClose(fn func(code int, reason string))

	// Ping sends a liveness probe. Implementations invoke the OnPong
	// callback when the peer acknowledges.
	Ping(ctx context.Context) error

	// OnPong registers the pong callback.
	OnPong(fn func())

	// Close tears the connection down. Idempotent.
	Close() error
}

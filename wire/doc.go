// ABOUTME: Message envelope contract and the duplex Transport abstraction.
// ABOUTME: Websocket implementation for production, scriptable mock for tests.

// Package wire defines the internal message contract between the client
// runtime and the Courier service: a typed JSON envelope over a duplex
// channel. The proprietary wire format itself is the transport's concern;
// everything above the Transport interface sees only envelopes.
package wire

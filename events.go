// ABOUTME: Event types published to application code, plus the fan-out bus.
// ABOUTME: Non-blocking publish: slow subscribers drop events, never stall the runtime.

package courier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/courier-client/clienterr"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// EventType names a published client event.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventReconnecting       EventType = "reconnecting"
	EventQRGenerated        EventType = "qr_generated"
	EventPairingCode        EventType = "pairing_code"
	EventAuthenticated      EventType = "authenticated"
	EventReady              EventType = "ready"
	EventError              EventType = "error"
	EventReconnectExhausted EventType = "max_reconnect_attempts_reached"
	// EventMessage re-publishes an inbound envelope to subscribers.
	EventMessage EventType = "message"
)

// Event is one published client event. Data's concrete type depends on
// Type: QRData, PairingData, ErrorData, or *wire.Envelope for messages.
type Event struct {
	Type      EventType
	Data      any
	Timestamp time.Time
}

// QRData accompanies qr_generated events.
type QRData struct {
	Payload   string
	ExpiresAt time.Time
}

// PairingData accompanies pairing_code events.
type PairingData struct {
	Code      string
	ExpiresAt time.Time
}

// ErrorData accompanies error events.
type ErrorData struct {
	Kind        clienterr.Kind
	Message     string
	Recoverable bool
}

// eventBus is an in-memory fan-out for Events. Publish never blocks:
// events are dropped per-subscriber when a buffer is full.
type eventBus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
	logger *slog.Logger
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		subs:   make(map[string]chan Event),
		logger: logger.With("component", "events"),
	}
}

// subscribe registers a subscriber. The subscription is cleaned up when
// ctx is cancelled or unsubscribe is called with the returned ID.
func (b *eventBus) subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subs[subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(subID)
	}()

	return ch, subID
}

func (b *eventBus) unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(ch)
}

// publish fans the event out. Sends happen under the read lock so a
// concurrent unsubscribe cannot close a channel mid-send; the sends are
// non-blocking, so holding the lock never stalls.
func (b *eventBus) publish(eventType EventType, data any, now time.Time) {
	event := Event{Type: eventType, Data: data, Timestamp: now}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "type", eventType)
		}
	}
}

func (b *eventBus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

// ABOUTME: Tests for the event bus fan-out.
// ABOUTME: Subscription lifecycle and publish/unsubscribe interleaving.

package courier

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventBus_SubscribeReceivesPublished(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.close()

	ch, _ := bus.subscribe(context.Background())
	bus.publish(EventReady, nil, time.Now())

	ev := <-ch
	assert.Equal(t, EventReady, ev.Type)
}

func TestEventBus_SubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	bus := newEventBus(slog.Default())
	bus.close()

	ch, _ := bus.subscribe(context.Background())
	_, open := <-ch
	assert.False(t, open)
}

func TestEventBus_PublishDuringUnsubscribe(t *testing.T) {
	bus := newEventBus(slog.Default())
	defer bus.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A publisher hammering the bus while subscriptions churn must never
	// send on a channel that unsubscribe just closed.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				bus.publish(EventMessage, nil, time.Now())
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		_, id := bus.subscribe(ctx)
		bus.unsubscribe(id)
	}

	close(stop)
	wg.Wait()
}

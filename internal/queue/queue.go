// ABOUTME: Retry queue implementation: bands, dispatch loop, backoff, drops.
// ABOUTME: Lock-guarded state; delivery happens outside the lock on the dispatch goroutine.

package queue

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/courier-client/clienterr"
	"github.com/2389/courier-client/internal/clock"
)

// Priority bounds. 1 is drained first.
const (
	PriorityHighest = 1
	PriorityLowest  = 5
)

// Status tracks an operation through its queue lifetime.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusFailed
	StatusDone
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusFailed:
		return "failed"
	case StatusDone:
		return "done"
	default:
		return "unknown"
	}
}

// Operation is one queued outbound unit. Priority is immutable after
// enqueue; Attempts increments only on a failed delivery.
type Operation struct {
	ID          string
	Payload     json.RawMessage
	Priority    int
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	ScheduledAt time.Time
	Status      Status
}

// Deliverer ships one operation to the wire. A nil error removes the
// operation from the queue; an error schedules a retry or, once attempts
// are exhausted, a drop.
type Deliverer func(op *Operation) error

// Config bounds the queue.
type Config struct {
	MaxSize          int
	MaxRetries       int
	RetryDelay       time.Duration
	BatchSize        int
	DispatchInterval time.Duration
}

// Queue is the outbound retry queue. Safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	cfg    Config
	bands  [PriorityLowest]*list.List // index = priority - 1
	count  int
	paused bool
	closed bool
	done   chan struct{}

	deliver Deliverer
	onDrop  func(op *Operation, err error)
	onDone  func(op *Operation)

	clock  clock.Clock
	logger *slog.Logger
}

// New creates a queue and starts its dispatch loop paused — the owner
// resumes it once the connection reaches ready. Pass nil logger for
// default.
func New(cfg Config, deliver Deliverer, clk clock.Clock, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		cfg:     cfg,
		paused:  true,
		done:    make(chan struct{}),
		deliver: deliver,
		clock:   clk,
		logger:  logger.With("component", "queue"),
	}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	go q.dispatchLoop()
	return q
}

// OnDrop registers the per-operation terminal failure callback.
func (q *Queue) OnDrop(fn func(op *Operation, err error)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDrop = fn
}

// OnDone registers the per-operation success callback.
func (q *Queue) OnDone(fn func(op *Operation)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onDone = fn
}

// Enqueue adds an operation. scheduledAt may be zero for immediate
// eligibility. Fails with QueueFullError at capacity — the queue sheds
// load instead of growing without bound.
func (q *Queue) Enqueue(payload json.RawMessage, priority int, scheduledAt time.Time) (string, error) {
	if priority < PriorityHighest || priority > PriorityLowest {
		return "", &clienterr.ValidationError{
			Field:   "priority",
			Message: fmt.Sprintf("must be between %d and %d, got %d", PriorityHighest, PriorityLowest, priority),
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count >= q.cfg.MaxSize {
		return "", &clienterr.QueueFullError{Limit: q.cfg.MaxSize}
	}

	now := q.clock.Now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	op := &Operation{
		ID:          uuid.New().String(),
		Payload:     payload,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxRetries,
		CreatedAt:   now,
		ScheduledAt: scheduledAt,
		Status:      StatusPending,
	}
	q.bands[priority-1].PushBack(op)
	q.count++

	q.logger.Debug("operation enqueued",
		"op_id", op.ID,
		"priority", priority,
		"queued", q.count,
	)
	return op.ID, nil
}

// Pause stops dispatching without discarding queued content.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Len returns the total queued count across all bands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Snapshot returns a copy of every queued operation, highest priority
// first, FIFO within a band. Read-only diagnostics.
func (q *Queue) Snapshot() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Operation, 0, q.count)
	for _, band := range q.bands {
		for e := band.Front(); e != nil; e = e.Next() {
			out = append(out, *e.Value.(*Operation))
		}
	}
	return out
}

// Stop halts the dispatch loop. Queued content is retained but will not
// be delivered. Safe to call multiple times.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.done)
		q.closed = true
	}
}

// dispatchLoop ticks at the configured interval and drains one batch per
// tick while not paused.
func (q *Queue) dispatchLoop() {
	ticker := q.clock.NewTicker(q.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.dispatchOnce()
		case <-q.done:
			return
		}
	}
}

// dispatchOnce drains up to BatchSize eligible operations and delivers
// them. Called from the dispatch goroutine; delivery runs outside the
// lock so a slow transport never blocks Enqueue.
func (q *Queue) dispatchOnce() {
	batch := q.takeBatch()
	for _, op := range batch {
		err := q.deliver(op)
		if err == nil {
			q.complete(op)
			continue
		}
		q.retryOrDrop(op, err)
	}
}

// takeBatch pops up to BatchSize eligible operations, highest band
// first. A future-scheduled operation at the head of a band stops that
// band's scan — relative order within the band is preserved, and lower
// bands still get a turn.
func (q *Queue) takeBatch() []*Operation {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.count == 0 {
		return nil
	}

	now := q.clock.Now()
	var batch []*Operation
	for _, band := range q.bands {
		for len(batch) < q.cfg.BatchSize {
			front := band.Front()
			if front == nil {
				break
			}
			op := front.Value.(*Operation)
			if op.ScheduledAt.After(now) {
				break
			}
			band.Remove(front)
			q.count--
			op.Status = StatusInFlight
			batch = append(batch, op)
		}
		if len(batch) >= q.cfg.BatchSize {
			break
		}
	}
	return batch
}

// complete marks an operation delivered and reports it.
func (q *Queue) complete(op *Operation) {
	q.mu.Lock()
	op.Status = StatusDone
	done := q.onDone
	q.mu.Unlock()

	if done != nil {
		done(op)
	}
}

// retryOrDrop reschedules a failed operation with exponential backoff at
// the front of its band, or drops it once attempts are exhausted. The
// drop is reported for that operation only — the queue keeps going.
func (q *Queue) retryOrDrop(op *Operation, err error) {
	q.mu.Lock()
	op.Attempts++

	if op.Attempts >= op.MaxAttempts {
		op.Status = StatusFailed
		drop := q.onDrop
		q.mu.Unlock()

		q.logger.Warn("operation dropped after exhausting retries",
			"op_id", op.ID,
			"attempts", op.Attempts,
			"error", err,
		)
		if drop != nil {
			drop(op, err)
		}
		return
	}

	delay := q.cfg.RetryDelay * (1 << (op.Attempts - 1))
	op.ScheduledAt = q.clock.Now().Add(delay)
	op.Status = StatusPending
	q.bands[op.Priority-1].PushFront(op)
	q.count++
	q.mu.Unlock()

	q.logger.Debug("operation delivery failed, retrying",
		"op_id", op.ID,
		"attempt", op.Attempts,
		"retry_in", delay,
		"error", err,
	)
}

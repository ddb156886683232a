// ABOUTME: Bounded, priority-ordered outbound operation queue with retry.
// ABOUTME: Deliberate load-shedding at capacity instead of unbounded buffering.

// Package queue holds outbound operations between admission and the wire.
// Five priority bands, FIFO within a band; a fixed-interval dispatch tick
// drains a bounded batch from the highest eligible bands. Failed
// deliveries are retried with exponential backoff at the front of their
// band; operations that exhaust their attempts are dropped and reported
// individually. The queue pauses while the connection is not ready and
// resumes without losing content.
package queue

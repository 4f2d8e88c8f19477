// File: api/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One-shot completion signal and the notifier that resolves it from
// outside transport callback contexts.

package api

import "time"

// Future is a one-shot completion signal. It is resolved exactly once;
// a second Set is ignored. Cancel is terminal and wins over any
// later Set.
type Future interface {
	// Set resolves the future with a terminal status. Setting an
	// already-terminal future is a no-op.
	Set(status Status)

	// Status returns StatusPending until the future is resolved.
	Status() Status

	// Wait blocks until the future is resolved or timeout elapses;
	// it reports whether the future is now resolved. A non-positive
	// timeout waits indefinitely.
	Wait(timeout time.Duration) bool

	// Done returns a channel closed when the future resolves.
	Done() <-chan struct{}

	// Cancel marks the future canceled if still pending.
	Cancel()
}

// Notifier decouples transport callback contexts from waiter threads.
// ScheduleNotify is safe to call from a completion callback; actual
// resolution happens on a dedicated delivery goroutine.
type Notifier interface {
	// ScheduleNotify enqueues (future, status) for delivery. Non-blocking.
	ScheduleNotify(f Future, status Status)

	// Close stops the delivery loop after draining pending entries.
	Close()
}

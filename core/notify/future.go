// File: core/notify/future.go
// Package notify bridges transport completion callbacks to waiters.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One-shot future implementation. Resolution happens exactly once;
// cancellation is terminal and wins over any later Set.

package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
)

// future is the one-shot api.Future implementation.
type future struct {
	mu     sync.Mutex
	status api.Status
	done   chan struct{}
	log    logrus.FieldLogger
}

var _ api.Future = (*future)(nil)

// NewFuture creates an unresolved future. log may be nil.
func NewFuture(log logrus.FieldLogger) api.Future {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &future{
		status: api.StatusPending,
		done:   make(chan struct{}),
		log:    log,
	}
}

// Set resolves the future. A second Set (or a Set after Cancel) is
// dropped; the resolve-once invariant lives here, not in callers.
func (f *future) Set(status api.Status) {
	if !status.IsTerminal() {
		f.log.WithField("status", status).Debug("future: ignoring non-terminal Set")
		return
	}
	f.mu.Lock()
	if f.status.IsTerminal() {
		prev := f.status
		f.mu.Unlock()
		f.log.WithFields(logrus.Fields{
			"status":  status,
			"current": prev,
		}).Debug("future: already resolved, Set dropped")
		return
	}
	f.status = status
	close(f.done)
	f.mu.Unlock()
}

// Cancel marks the future canceled if still pending.
func (f *future) Cancel() {
	f.Set(api.StatusCanceled)
}

// Status returns StatusPending until resolved.
func (f *future) Status() api.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Done returns a channel closed on resolution.
func (f *future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until resolution or timeout; non-positive timeout waits
// indefinitely.
func (f *future) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		<-f.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		return true
	case <-timer.C:
		return f.Status().IsTerminal()
	}
}

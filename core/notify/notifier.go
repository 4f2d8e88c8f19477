// File: core/notify/notifier.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Completion notifier: a producer/consumer queue between transport
// callback contexts and a dedicated delivery goroutine. Callbacks only
// append under a short lock; future resolution (which may wake
// arbitrary waiters) always happens on the delivery goroutine.

package notify

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
)

type pendingNotify struct {
	future api.Future
	status api.Status
}

// Notifier implements api.Notifier with a dedicated delivery goroutine.
// The pending queue is guarded by its own mutex, never held while
// resolving futures, so a slow waiter cannot stall producers.
type Notifier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	done    chan struct{}
	log     logrus.FieldLogger
}

var _ api.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier and starts its delivery loop.
// log may be nil.
func NewNotifier(log logrus.FieldLogger) *Notifier {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n := &Notifier{
		pending: queue.New(),
		done:    make(chan struct{}),
		log:     log.WithField("component", "notifier"),
	}
	n.cond = sync.NewCond(&n.mu)
	go n.deliveryLoop()
	return n
}

// ScheduleNotify enqueues (future, status) and wakes the delivery
// goroutine. Non-blocking; safe from transport callback contexts.
// After Close the entry is resolved inline so no completion is lost.
func (n *Notifier) ScheduleNotify(f api.Future, status api.Status) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		n.log.WithField("status", status).Warn("notify after close, resolving inline")
		f.Set(status)
		return
	}
	n.pending.Add(pendingNotify{future: f, status: status})
	n.mu.Unlock()
	n.cond.Signal()
}

// deliveryLoop blocks while the queue is empty, then swaps the whole
// queue out under the lock and resolves every entry outside it.
func (n *Notifier) deliveryLoop() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for n.pending.Length() == 0 && !n.closed {
			n.cond.Wait()
		}
		batch := n.pending
		n.pending = queue.New()
		closed := n.closed
		n.mu.Unlock()

		n.deliver(batch)

		if closed {
			// Drained after close; one final sweep covers entries that
			// raced with the swap.
			n.mu.Lock()
			batch = n.pending
			n.pending = queue.New()
			n.mu.Unlock()
			n.deliver(batch)
			return
		}
	}
}

func (n *Notifier) deliver(batch *queue.Queue) {
	count := batch.Length()
	if count == 0 {
		return
	}
	n.log.WithField("count", count).Trace("delivering completions")
	for batch.Length() > 0 {
		p := batch.Remove().(pendingNotify)
		p.future.Set(p.status)
	}
}

// Close stops the delivery loop after draining pending entries.
// Safe to call more than once.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		<-n.done
		return
	}
	n.closed = true
	n.mu.Unlock()
	n.cond.Broadcast()
	<-n.done
}

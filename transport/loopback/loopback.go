// File: transport/loopback/loopback.go
// Package loopback provides an in-process tagged-message transport
// pair with per-tag FIFO matching.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Each endpoint runs one dispatcher goroutine delivering completion
// callbacks in matching order, so callback code never executes inside
// a Submit caller and never under a matching lock. The event queue is
// unbounded and drained in swap passes; callback code may therefore
// submit follow-up operations that complete immediately, in any
// number, without deadlocking the dispatcher. The matching state
// itself (unmatched inbound payloads, posted receives) lives behind a
// single per-endpoint mutex, which yields the per-tag FIFO guarantee
// the transfer engine relies on.

package loopback

import (
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/control"
)

// operation is one in-flight submit; it doubles as the api.Handle.
type operation struct {
	id        uint64
	dir       api.Direction
	tag       api.Tag
	buf       []byte
	cb        api.CompletionFunc
	status    atomic.Int32
	completed atomic.Bool
	canceled  atomic.Bool
}

var _ api.Handle = (*operation)(nil)

// ID returns the pair-unique operation identifier.
func (o *operation) ID() uint64 { return o.id }

// IsCompleted reports whether the operation reached a terminal state.
func (o *operation) IsCompleted() bool { return o.completed.Load() }

// Status returns the current operation status.
func (o *operation) Status() api.Status {
	if !o.completed.Load() {
		return api.StatusPending
	}
	return api.Status(o.status.Load())
}

type completionEvent struct {
	op     *operation
	status api.Status
}

// Endpoint is one side of an in-process transport pair.
type Endpoint struct {
	name string
	peer *Endpoint
	pair *Pair
	log  logrus.FieldLogger

	mu          sync.Mutex
	unmatched   map[api.Tag]*queue.Queue // inbound payload copies awaiting a receive
	pendingRecv map[api.Tag]*queue.Queue // posted receives awaiting a payload
	closed      bool

	evMu     sync.Mutex
	evCond   *sync.Cond
	events   *queue.Queue
	stopping bool
	doneCh   chan struct{}
}

var _ api.Transport = (*Endpoint)(nil)

// Pair owns the two endpoints and their shared operation id space.
type Pair struct {
	A, B   *Endpoint
	nextID atomic.Uint64
}

// NewPair builds a connected endpoint pair. cfg is accepted for
// interface symmetry with the other transports and may be nil, as may
// log.
func NewPair(cfg *control.Config, log logrus.FieldLogger) *Pair {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pair{}
	p.A = newEndpoint("loopback-a", p, log)
	p.B = newEndpoint("loopback-b", p, log)
	p.A.peer = p.B
	p.B.peer = p.A
	return p
}

// Close tears both endpoints down.
func (p *Pair) Close() {
	_ = p.A.Close()
	_ = p.B.Close()
}

func newEndpoint(name string, pair *Pair, log logrus.FieldLogger) *Endpoint {
	e := &Endpoint{
		name:        name,
		pair:        pair,
		log:         log.WithField("component", name),
		unmatched:   make(map[api.Tag]*queue.Queue),
		pendingRecv: make(map[api.Tag]*queue.Queue),
		events:      queue.New(),
		doneCh:      make(chan struct{}),
	}
	e.evCond = sync.NewCond(&e.evMu)
	go e.dispatch()
	return e
}

// dispatch delivers completion callbacks in arrival order until the
// endpoint closes. Each pass swaps the whole event queue out under the
// lock and delivers outside it; events a callback enqueues land in the
// fresh queue and are picked up by the next pass.
func (e *Endpoint) dispatch() {
	defer close(e.doneCh)
	for {
		e.evMu.Lock()
		for e.events.Length() == 0 && !e.stopping {
			e.evCond.Wait()
		}
		batch := e.events
		e.events = queue.New()
		stopping := e.stopping
		e.evMu.Unlock()

		for batch.Length() > 0 {
			e.deliver(batch.Remove().(completionEvent))
		}
		if stopping {
			return
		}
	}
}

func (e *Endpoint) deliver(ev completionEvent) {
	if ev.op.cb != nil {
		ev.op.cb(ev.op, ev.status)
	}
}

// complete marks the operation terminal and queues its callback on
// this endpoint's dispatcher. Never blocks; safe from any goroutine,
// the dispatcher itself included. Must not be called under e.mu.
func (e *Endpoint) complete(op *operation, status api.Status) {
	if !op.completed.CompareAndSwap(false, true) {
		return
	}
	op.status.Store(int32(status))
	ev := completionEvent{op: op, status: status}
	e.evMu.Lock()
	if e.stopping {
		// Dispatcher draining or gone; deliver on the caller so no
		// completion is lost.
		e.evMu.Unlock()
		e.deliver(ev)
		return
	}
	e.events.Add(ev)
	e.evMu.Unlock()
	e.evCond.Signal()
}

func tagQueue(m map[api.Tag]*queue.Queue, tag api.Tag) *queue.Queue {
	q, ok := m[tag]
	if !ok {
		q = queue.New()
		m[tag] = q
	}
	return q
}

// popRecv pops the oldest still-live posted receive for tag.
func (e *Endpoint) popRecvLocked(tag api.Tag) *operation {
	q, ok := e.pendingRecv[tag]
	if !ok {
		return nil
	}
	for q.Length() > 0 {
		op := q.Remove().(*operation)
		if op.canceled.Load() {
			continue
		}
		return op
	}
	return nil
}

// Submit posts one asynchronous operation.
func (e *Endpoint) Submit(dir api.Direction, tag api.Tag, buf []byte, onComplete api.CompletionFunc) (api.Handle, error) {
	op := &operation{
		id:  e.pair.nextID.Add(1),
		dir: dir,
		tag: tag,
		buf: buf,
		cb:  onComplete,
	}
	op.status.Store(int32(api.StatusPending))

	switch dir {
	case api.DirSend:
		return e.submitSend(op)
	case api.DirRecv:
		return e.submitRecv(op)
	default:
		return nil, api.NewError(api.ErrCodeUsage, "unknown direction").
			WithContext("dir", int(dir))
	}
}

func (e *Endpoint) submitSend(op *operation) (api.Handle, error) {
	// Own-side closed check happens before taking the peer lock; the
	// two endpoint mutexes are never held together.
	if e.isClosed() {
		return nil, api.ErrTransportClosed
	}
	peer := e.peer
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		return nil, api.ErrTransportClosed
	}
	if rcv := peer.popRecvLocked(op.tag); rcv != nil {
		n := copy(rcv.buf, op.buf)
		peer.mu.Unlock()
		e.log.WithFields(logrus.Fields{
			"tag":   op.tag,
			"bytes": n,
		}).Trace("send matched pending recv")
		peer.complete(rcv, api.StatusOK)
		e.complete(op, api.StatusOK)
		return op, nil
	}
	// No receive posted yet: buffer a copy so the sender may reuse its
	// buffer as soon as its completion fires.
	payload := make([]byte, len(op.buf))
	copy(payload, op.buf)
	tagQueue(peer.unmatched, op.tag).Add(payload)
	peer.mu.Unlock()

	e.complete(op, api.StatusOK)
	return op, nil
}

func (e *Endpoint) submitRecv(op *operation) (api.Handle, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, api.ErrTransportClosed
	}
	if q, ok := e.unmatched[op.tag]; ok && q.Length() > 0 {
		payload := q.Remove().([]byte)
		copy(op.buf, payload)
		e.mu.Unlock()
		e.complete(op, api.StatusOK)
		return op, nil
	}
	tagQueue(e.pendingRecv, op.tag).Add(op)
	e.mu.Unlock()
	return op, nil
}

// Cancel aborts a posted receive. Completed operations and sends
// (which complete at submit) are past cancellation.
func (e *Endpoint) Cancel(h api.Handle) error {
	op, ok := h.(*operation)
	if !ok {
		return api.NewError(api.ErrCodeUsage, "foreign handle")
	}
	if op.IsCompleted() || op.dir != api.DirRecv {
		return nil
	}
	op.canceled.Store(true)
	e.complete(op, api.StatusCanceled)
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close shuts the endpoint down; posted receives complete with
// StatusCanceled and the dispatcher drains before Close returns.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.doneCh
		return nil
	}
	e.closed = true
	var orphans []*operation
	for _, q := range e.pendingRecv {
		for q.Length() > 0 {
			op := q.Remove().(*operation)
			if !op.canceled.Load() {
				orphans = append(orphans, op)
			}
		}
	}
	e.pendingRecv = make(map[api.Tag]*queue.Queue)
	e.mu.Unlock()

	for _, op := range orphans {
		e.complete(op, api.StatusCanceled)
	}
	e.evMu.Lock()
	e.stopping = true
	e.evMu.Unlock()
	e.evCond.Broadcast()
	<-e.doneCh
	return nil
}

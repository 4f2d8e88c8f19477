// File: fake/transport.go
// Package fake provides controllable implementations of the core
// interfaces for testing and development.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/tagflow/api"
)

// Op records one submitted operation on the fake transport.
type Op struct {
	id        uint64
	Dir       api.Direction
	Tag       api.Tag
	Buf       []byte
	cb        api.CompletionFunc
	status    atomic.Int32
	completed atomic.Bool
}

var _ api.Handle = (*Op)(nil)

// ID returns the operation identifier.
func (o *Op) ID() uint64 { return o.id }

// IsCompleted reports whether the operation was completed.
func (o *Op) IsCompleted() bool { return o.completed.Load() }

// Status returns the operation status.
func (o *Op) Status() api.Status {
	if !o.completed.Load() {
		return api.StatusPending
	}
	return api.Status(o.status.Load())
}

// Transport is a fake api.Transport whose completions are driven
// manually by the test.
type Transport struct {
	mu        sync.Mutex
	ops       []*Op
	nextID    uint64
	submitErr error
	closed    bool
}

var _ api.Transport = (*Transport)(nil)

// NewTransport creates an empty fake transport.
func NewTransport() *Transport {
	return &Transport{}
}

// Submit records the operation without completing it.
func (t *Transport) Submit(dir api.Direction, tag api.Tag, buf []byte, cb api.CompletionFunc) (api.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, api.ErrTransportClosed
	}
	if t.submitErr != nil {
		return nil, t.submitErr
	}
	t.nextID++
	op := &Op{id: t.nextID, Dir: dir, Tag: tag, Buf: buf, cb: cb}
	op.status.Store(int32(api.StatusPending))
	t.ops = append(t.ops, op)
	return op, nil
}

// Cancel completes a pending operation with StatusCanceled.
func (t *Transport) Cancel(h api.Handle) error {
	op, ok := h.(*Op)
	if !ok {
		return api.NewError(api.ErrCodeUsage, "foreign handle")
	}
	t.CompleteOp(op, api.StatusCanceled)
	return nil
}

// Close marks the transport closed; later submits fail.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// SetSubmitError makes subsequent Submit calls fail with err.
func (t *Transport) SetSubmitError(err error) {
	t.mu.Lock()
	t.submitErr = err
	t.mu.Unlock()
}

// Ops returns a snapshot of all recorded operations.
func (t *Transport) Ops() []*Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// OpCount returns the number of submitted operations.
func (t *Transport) OpCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// CompleteOp completes one operation, invoking its callback inline
// (the fake's "progress context" is the test goroutine).
func (t *Transport) CompleteOp(op *Op, status api.Status) {
	if !op.completed.CompareAndSwap(false, true) {
		return
	}
	op.status.Store(int32(status))
	if op.cb != nil {
		op.cb(op, status)
	}
}

// CompleteAll completes every pending operation in submit order.
func (t *Transport) CompleteAll(status api.Status) {
	for _, op := range t.Ops() {
		t.CompleteOp(op, status)
	}
}

// Deliver copies payload into the oldest pending receive on tag and
// completes it, mimicking a matched inbound message.
func (t *Transport) Deliver(tag api.Tag, payload []byte) bool {
	for _, op := range t.Ops() {
		if op.Dir == api.DirRecv && op.Tag == tag && !op.IsCompleted() {
			copy(op.Buf, payload)
			t.CompleteOp(op, api.StatusOK)
			return true
		}
	}
	return false
}

// File: core/transfer/request.go
// Package transfer implements the multi-frame tagged transfer engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A MultiRequest turns one logical transfer of N variable-length
// frames into a chain of fixed-size header sub-requests plus N frame
// sub-requests on a single tag, and aggregates their completions into
// one future resolved exactly once.

package transfer

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/core/notify"
	"github.com/momentics/tagflow/core/protocol"
)

// bufferRequest binds one in-flight transport operation to the
// bookkeeping needed after its completion: serialized header bytes for
// header sub-requests, an allocated buffer for received frames.
type bufferRequest struct {
	handle api.Handle
	header []byte
	buffer api.Buffer
}

// MultiRequest orchestrates one logical multi-frame transfer.
// All mutable state is serialized by mu; mu is never held across a
// call into the notifier.
type MultiRequest struct {
	transport api.Transport
	allocator api.Allocator
	notifier  api.Notifier
	tag       api.Tag
	send      bool
	log       logrus.FieldLogger

	mu          sync.Mutex
	subs        []*bufferRequest
	headers     []*protocol.Header
	totalFrames int
	totalKnown  bool
	completed   int
	status      api.Status
	err         error
	canceled    bool
	future      api.Future
}

func newMultiRequest(t api.Transport, alloc api.Allocator, n api.Notifier, tag api.Tag, send bool, log logrus.FieldLogger) *MultiRequest {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"component": "transfer",
		"tag":       tag,
		"dir":       map[bool]api.Direction{true: api.DirSend, false: api.DirRecv}[send],
	})
	return &MultiRequest{
		transport: t,
		allocator: alloc,
		notifier:  n,
		tag:       tag,
		send:      send,
		log:       log,
		status:    api.StatusPending,
		future:    notify.NewFuture(log),
	}
}

// Tag returns the tag all sub-requests of this transfer share.
func (r *MultiRequest) Tag() api.Tag { return r.tag }

// Direction returns DirSend or DirRecv.
func (r *MultiRequest) Direction() api.Direction {
	if r.send {
		return api.DirSend
	}
	return api.DirRecv
}

// Status returns the current transfer status.
func (r *MultiRequest) Status() api.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// IsCompleted reports whether the transfer reached a terminal state.
func (r *MultiRequest) IsCompleted() bool {
	return r.Status().IsTerminal()
}

// Future returns the completion handle for integration with external
// async runtimes.
func (r *MultiRequest) Future() api.Future { return r.future }

// HeaderCount returns the number of headers in this transfer's chain:
// fixed at submission for sends, grows with the chain for receives.
func (r *MultiRequest) HeaderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.headers)
}

// CheckError returns the terminal error of a failed or canceled
// transfer, nil while pending or after success.
func (r *MultiRequest) CheckError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case api.StatusPending, api.StatusOK:
		return nil
	case api.StatusCanceled:
		if r.err != nil {
			return r.err
		}
		return api.NewError(api.ErrCodeCanceled, "transfer canceled").WithContext("tag", r.tag)
	default:
		if r.err != nil {
			return r.err
		}
		return api.NewError(api.ErrCodeTransport, "transfer failed").WithContext("tag", r.tag)
	}
}

// Frames hands the received frame buffers to the caller, in the order
// their descriptors appeared across the header chain. Receive-only;
// calling it on a send request or before completion is a usage error.
func (r *MultiRequest) Frames() ([]api.Buffer, error) {
	if r.send {
		return nil, api.NewError(api.ErrCodeUsage, "Frames() called on a send request")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.IsTerminal() {
		return nil, api.NewError(api.ErrCodeUsage, "Frames() called before completion")
	}
	out := make([]api.Buffer, 0, r.totalFrames)
	for _, sub := range r.subs {
		if sub.buffer != nil {
			out = append(out, sub.buffer)
		}
	}
	return out, nil
}

// Cancel marks the transfer canceled and requests cancellation of all
// still-in-flight sub-requests. Late completions are tolerated; they
// never re-resolve the future.
func (r *MultiRequest) Cancel() {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	inflight := make([]api.Handle, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.handle != nil && !sub.handle.IsCompleted() {
			inflight = append(inflight, sub.handle)
		}
	}
	r.mu.Unlock()

	// Cancel wins: resolve directly, not through the notifier, so no
	// queued OK can overtake it.
	r.future.Cancel()
	for _, h := range inflight {
		if err := r.transport.Cancel(h); err != nil {
			r.log.WithError(err).Debug("sub-request cancel failed")
		}
	}

	r.mu.Lock()
	if !r.status.IsTerminal() && r.completedLocked() {
		r.resolveLocked()
	}
	r.mu.Unlock()
}

// markCompleted is the shared frame completion callback target. It
// runs in transport callback context: bookkeeping only, never blocking.
func (r *MultiRequest) markCompleted(status api.Status) {
	r.mu.Lock()
	r.completed++
	if status != api.StatusOK {
		r.recordFailureLocked(status, api.NewError(api.ErrCodeTransport, "frame sub-request failed").
			WithContext("tag", r.tag).
			WithContext("status", status.String()))
	}
	r.log.WithFields(logrus.Fields{
		"completed": r.completed,
		"total":     r.totalFrames,
	}).Trace("frame completed")

	done := !r.status.IsTerminal() && r.completedLocked()
	var terminal api.Status
	if done {
		terminal = r.resolveLocked()
	}
	r.mu.Unlock()

	if done {
		r.notifier.ScheduleNotify(r.future, terminal)
	}
}

// headerDone records header sub-request failures. Header completions
// do not count toward the frame total; a failed header only taints the
// terminal status.
func (r *MultiRequest) headerDone(status api.Status) {
	if status == api.StatusOK {
		return
	}
	r.mu.Lock()
	r.recordFailureLocked(status, api.NewError(api.ErrCodeTransport, "header sub-request failed").
		WithContext("tag", r.tag).
		WithContext("status", status.String()))
	done := !r.status.IsTerminal() && r.completedLocked()
	var terminal api.Status
	if done {
		terminal = r.resolveLocked()
	}
	r.mu.Unlock()

	if done {
		r.notifier.ScheduleNotify(r.future, terminal)
	}
}

// completedLocked reports whether every expected completion arrived.
func (r *MultiRequest) completedLocked() bool {
	return r.totalKnown && r.completed >= r.totalFrames
}

// recordFailureLocked keeps the first failure; canceled stays
// distinguishable from transport errors.
func (r *MultiRequest) recordFailureLocked(status api.Status, err error) {
	if status == api.StatusCanceled {
		r.canceled = true
		return
	}
	if r.err == nil {
		r.err = err
	}
}

// resolveLocked fixes the terminal status. The notifier call happens
// outside the lock at the caller.
func (r *MultiRequest) resolveLocked() api.Status {
	switch {
	case r.canceled:
		r.status = api.StatusCanceled
	case r.err != nil:
		r.status = api.StatusError
	default:
		r.status = api.StatusOK
	}
	r.log.WithField("status", r.status).Debug("transfer resolved")
	return r.status
}

// fail aborts the transfer from outside the completion path (decode
// failure, allocation failure, submit failure) and cancels whatever is
// still in flight.
func (r *MultiRequest) fail(status api.Status, err error) {
	r.mu.Lock()
	if r.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	if r.err == nil {
		r.err = err
	}
	if status == api.StatusCanceled {
		r.canceled = true
	}
	r.status = status
	inflight := make([]api.Handle, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.handle != nil && !sub.handle.IsCompleted() {
			inflight = append(inflight, sub.handle)
		}
	}
	r.mu.Unlock()

	r.log.WithError(err).WithField("status", status).Debug("transfer aborted")
	for _, h := range inflight {
		if cerr := r.transport.Cancel(h); cerr != nil {
			r.log.WithError(cerr).Debug("sub-request cancel failed")
		}
	}
	r.notifier.ScheduleNotify(r.future, status)
}

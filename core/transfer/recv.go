// File: core/transfer/recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RECV path state machine: post one fixed-size header receive, follow
// the continuation chain, then allocate and post every frame receive.
// Frame order is header arrival order x intra-header order; completions
// may arrive in any order and are matched to their slot by identity.

package transfer

import (
	"math"

	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/core/protocol"
)

// RecvMulti posts a receive for one logical transfer on the given tag.
// The expected frame total is unknown until the header chain has been
// consumed. Frame buffers come from alloc and are handed to the caller
// through Frames() after completion.
func RecvMulti(t api.Transport, alloc api.Allocator, n api.Notifier, tag api.Tag, log logrus.FieldLogger) (*MultiRequest, error) {
	if alloc == nil {
		return nil, api.NewError(api.ErrCodeUsage, "receive requires an allocator")
	}
	r := newMultiRequest(t, alloc, n, tag, false, log)
	if err := r.recvHeader(); err != nil {
		return r, err
	}
	return r, nil
}

// recvHeader posts one fixed-size header receive sub-request.
func (r *MultiRequest) recvHeader() error {
	if r.send {
		return api.NewError(api.ErrCodeUsage, "send requests cannot receive headers")
	}

	sub := &bufferRequest{header: make([]byte, protocol.HeaderDataSize())}
	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	handle, err := r.transport.Submit(api.DirRecv, r.tag, sub.header, func(_ api.Handle, st api.Status) {
		r.headerReceived(sub, st)
	})
	if err != nil {
		err = api.NewError(api.ErrCodeTransport, "header recv submit failed").
			WithContext("tag", r.tag).
			WithContext("cause", err.Error())
		r.fail(api.StatusError, err)
		return err
	}
	sub.handle = handle
	return nil
}

// headerReceived consumes one header completion: chain to the next
// header while the continuation flag is set, otherwise fan out the
// frame receives.
func (r *MultiRequest) headerReceived(sub *bufferRequest, status api.Status) {
	if status != api.StatusOK {
		st, code, msg := api.StatusError, api.ErrCodeTransport, "header recv failed"
		if status == api.StatusCanceled {
			st, code, msg = api.StatusCanceled, api.ErrCodeCanceled, "header recv canceled"
		}
		r.fail(st, api.NewError(code, msg).
			WithContext("tag", r.tag).
			WithContext("status", status.String()))
		return
	}

	h, err := protocol.DecodeHeader(sub.header)
	if err != nil {
		r.fail(api.StatusError, err)
		return
	}

	r.mu.Lock()
	r.headers = append(r.headers, h)
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"nframes": h.FrameCount(),
		"next":    h.Next,
	}).Trace("header received")

	if h.Next {
		_ = r.recvHeader()
		return
	}
	r.recvFrames()
}

// recvFrames allocates a buffer per announced frame and posts the
// frame receives, preserving descriptor order in the sub-request list.
func (r *MultiRequest) recvFrames() {
	if r.send {
		r.fail(api.StatusError, api.NewError(api.ErrCodeUsage, "send requests cannot receive frames"))
		return
	}

	r.mu.Lock()
	total := 0
	headers := make([]*protocol.Header, len(r.headers))
	copy(headers, r.headers)
	for _, h := range headers {
		total += h.FrameCount()
	}
	r.totalFrames = total
	r.totalKnown = true
	r.mu.Unlock()

	for _, h := range headers {
		for i := range h.Sizes {
			// Peer-announced size; converting without this check would
			// wrap on 32-bit platforms.
			if h.Sizes[i] > math.MaxInt {
				r.fail(api.StatusError, api.NewError(api.ErrCodeAllocation, "announced frame size exceeds addressable memory").
					WithContext("tag", r.tag).
					WithContext("size", h.Sizes[i]))
				return
			}
			buf, err := r.allocator.Allocate(int(h.Sizes[i]), h.Kinds[i])
			if err != nil {
				r.fail(api.StatusError, err)
				return
			}

			sub := &bufferRequest{buffer: buf}
			r.mu.Lock()
			r.subs = append(r.subs, sub)
			r.mu.Unlock()

			handle, err := r.transport.Submit(api.DirRecv, r.tag, buf.Bytes(), func(_ api.Handle, st api.Status) {
				r.markCompleted(st)
			})
			if err != nil {
				r.fail(api.StatusError, api.NewError(api.ErrCodeTransport, "frame recv submit failed").
					WithContext("tag", r.tag).
					WithContext("cause", err.Error()))
				return
			}
			sub.handle = handle
		}
	}

	// A zero-frame transfer completes as soon as the chain ends.
	r.maybeResolveEmpty()
}

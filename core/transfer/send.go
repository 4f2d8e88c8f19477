// File: core/transfer/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SEND path: headers first, then one send sub-request per frame, all
// on the same tag. Headers and frames are independent in-flight
// operations; correctness relies on the transport's per-tag FIFO
// matching, not on header delivery preceding frame delivery.

package transfer

import (
	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/core/protocol"
)

// SendMulti submits one logical transfer of the given frames. buffers
// and kinds are parallel lists; a length mismatch is a usage error
// raised before anything is submitted. The returned request resolves
// once every frame send completed.
func SendMulti(t api.Transport, n api.Notifier, tag api.Tag, buffers [][]byte, kinds []api.MemoryKind, log logrus.FieldLogger) (*MultiRequest, error) {
	if len(buffers) != len(kinds) {
		return nil, api.NewError(api.ErrCodeUsage, "buffer and kind lists must be of equal length").
			WithContext("buffers", len(buffers)).
			WithContext("kinds", len(kinds))
	}

	r := newMultiRequest(t, nil, n, tag, true, log)
	r.mu.Lock()
	r.totalFrames = len(buffers)
	r.totalKnown = true
	r.mu.Unlock()

	sizes := make([]uint64, len(buffers))
	for i, b := range buffers {
		sizes[i] = uint64(len(b))
	}

	headers := protocol.BuildHeaders(sizes, kinds)
	r.mu.Lock()
	for i := range headers {
		r.headers = append(r.headers, &headers[i])
	}
	r.mu.Unlock()

	for i := range headers {
		raw, err := protocol.EncodeHeader(&headers[i])
		if err != nil {
			r.fail(api.StatusError, err)
			return r, err
		}
		sub := &bufferRequest{header: raw}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()

		handle, err := t.Submit(api.DirSend, tag, raw, func(_ api.Handle, st api.Status) {
			r.headerDone(st)
		})
		if err != nil {
			err = api.NewError(api.ErrCodeTransport, "header send submit failed").
				WithContext("tag", tag).
				WithContext("cause", err.Error())
			r.fail(api.StatusError, err)
			return r, err
		}
		sub.handle = handle
	}

	for i, b := range buffers {
		sub := &bufferRequest{}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()

		handle, err := t.Submit(api.DirSend, tag, b, func(_ api.Handle, st api.Status) {
			r.markCompleted(st)
		})
		if err != nil {
			err = api.NewError(api.ErrCodeTransport, "frame send submit failed").
				WithContext("tag", tag).
				WithContext("frame", i).
				WithContext("cause", err.Error())
			r.fail(api.StatusError, err)
			return r, err
		}
		sub.handle = handle
	}

	// Covers the zero-frame transfer, which has no frame completions
	// to drive resolution.
	r.maybeResolveEmpty()
	return r, nil
}

// maybeResolveEmpty resolves a transfer whose expected frame total was
// already met at submission time.
func (r *MultiRequest) maybeResolveEmpty() {
	r.mu.Lock()
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

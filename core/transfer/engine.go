// File: core/transfer/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Engine owns the collaborators a transfer needs: the transport
// endpoint, the receive-side allocator and the completion notifier
// with its delivery goroutine. One engine serves many concurrent
// transfers on distinct tags.

package transfer

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/control"
	"github.com/momentics/tagflow/core/notify"
)

// Engine is the per-endpoint entry point of the transfer layer.
type Engine struct {
	transport api.Transport
	allocator api.Allocator
	notifier  *notify.Notifier
	metrics   *control.MetricsRegistry
	log       *logrus.Logger
}

// NewEngine wires an engine around a transport endpoint. cfg may be
// nil for defaults; alloc may be nil for a send-only engine.
func NewEngine(t api.Transport, alloc api.Allocator, cfg *control.Config) *Engine {
	if cfg == nil {
		cfg = control.DefaultConfig()
	}
	log := cfg.Logger()
	return &Engine{
		transport: t,
		allocator: alloc,
		notifier:  notify.NewNotifier(log),
		metrics:   control.NewMetricsRegistry(),
		log:       log,
	}
}

// Notifier exposes the engine's notifier for request construction by
// callers managing their own requests.
func (e *Engine) Notifier() api.Notifier { return e.notifier }

// Metrics exposes the engine's counters.
func (e *Engine) Metrics() *control.MetricsRegistry { return e.metrics }

// SendMulti submits one logical multi-frame send on tag.
func (e *Engine) SendMulti(tag api.Tag, buffers [][]byte, kinds []api.MemoryKind) (*MultiRequest, error) {
	r, err := SendMulti(e.transport, e.notifier, tag, buffers, kinds, e.log)
	if err != nil {
		return r, err
	}
	e.metrics.Inc(control.MetricTransfersSent)
	e.metrics.Add(control.MetricHeadersSent, int64(r.HeaderCount()))
	e.metrics.Add(control.MetricFramesSent, int64(len(buffers)))
	for _, b := range buffers {
		e.metrics.Add(control.MetricBytesSent, int64(len(b)))
	}
	return r, nil
}

// RecvMulti posts one logical multi-frame receive on tag.
func (e *Engine) RecvMulti(tag api.Tag) (*MultiRequest, error) {
	r, err := RecvMulti(e.transport, e.allocator, e.notifier, tag, e.log)
	if err != nil {
		return r, err
	}
	e.metrics.Inc(control.MetricTransfersReceived)
	return r, nil
}

// SendMultiWait is the blocking form of SendMulti. A non-positive
// timeout waits indefinitely.
func (e *Engine) SendMultiWait(tag api.Tag, buffers [][]byte, kinds []api.MemoryKind, timeout time.Duration) error {
	r, err := e.SendMulti(tag, buffers, kinds)
	if err != nil {
		return err
	}
	return awaitRequest(r, timeout)
}

// RecvMultiWait is the blocking form of RecvMulti; on success it hands
// the received frame buffers to the caller.
func (e *Engine) RecvMultiWait(tag api.Tag, timeout time.Duration) ([]api.Buffer, error) {
	r, err := e.RecvMulti(tag)
	if err != nil {
		return nil, err
	}
	if err := awaitRequest(r, timeout); err != nil {
		return nil, err
	}
	bufs, err := r.Frames()
	if err != nil {
		return nil, err
	}
	e.metrics.Add(control.MetricFramesReceived, int64(len(bufs)))
	return bufs, nil
}

// Close drains and stops the notifier. The transport stays with its
// owner; the engine never closes collaborators it did not create.
func (e *Engine) Close() {
	e.notifier.Close()
}

func awaitRequest(r *MultiRequest, timeout time.Duration) error {
	if !r.Future().Wait(timeout) {
		r.Cancel()
		// Timeout is the caller's deadline, not an explicit cancel;
		// keep the two distinguishable.
		return fmt.Errorf("transfer on tag %d timed out after %s: %w",
			r.Tag(), timeout, api.ErrOperationTimeout)
	}
	return r.CheckError()
}

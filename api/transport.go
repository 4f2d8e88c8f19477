// File: api/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Single-buffer asynchronous tagged-message transport abstraction.
// The transfer engine multiplexes arbitrarily large multi-buffer
// operations on top of this primitive.

package api

// CompletionFunc is invoked exactly once per submitted operation, from
// a transport progress context. It must not block and must not
// resubmit into the transport recursively beyond posting follow-up
// operations.
type CompletionFunc func(h Handle, status Status)

// Handle identifies one in-flight transport operation.
type Handle interface {
	// ID returns a transport-unique operation identifier.
	ID() uint64

	// IsCompleted reports whether the operation reached a terminal state.
	IsCompleted() bool

	// Status returns the current operation status.
	Status() Status
}

// Transport is a point-to-point tagged-message endpoint supporting
// fixed-size, single-buffer asynchronous operations.
//
// Invariant relied upon by the transfer engine: operations submitted
// in sequence on the same tag are matched FIFO on the peer.
type Transport interface {
	// Submit posts one asynchronous operation. For DirSend, buf holds
	// the payload; for DirRecv, buf is filled on completion. onComplete
	// may be nil.
	Submit(dir Direction, tag Tag, buf []byte, onComplete CompletionFunc) (Handle, error)

	// Cancel requests cancellation of an in-flight operation. The
	// completion callback still fires, with StatusCanceled, unless the
	// operation already completed.
	Cancel(h Handle) error

	// Close tears the endpoint down. Pending operations complete with
	// StatusCanceled.
	Close() error
}

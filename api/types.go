// File: api/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Core value types shared across the tagflow library: tags, transfer
// direction, memory kinds and operation status.

package api

import "fmt"

// Tag is the message-matching key pairing a send with a receive.
// The transport guarantees FIFO matching per tag; uniqueness across
// unrelated concurrent transfers on the same endpoint pair is the
// caller's responsibility.
type Tag uint64

// Direction selects the side of a transport operation.
type Direction int

const (
	DirSend Direction = iota
	DirRecv
)

// String returns the direction name for logs.
func (d Direction) String() string {
	switch d {
	case DirSend:
		return "send"
	case DirRecv:
		return "recv"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// MemoryKind distinguishes host memory from device memory.
type MemoryKind uint8

const (
	MemHost   MemoryKind = 0
	MemDevice MemoryKind = 1
)

// String returns the kind name for logs.
func (k MemoryKind) String() string {
	switch k {
	case MemHost:
		return "host"
	case MemDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Status is the observable state of an asynchronous operation.
// A status is terminal when it is not StatusPending; terminal states
// are reached exactly once.
type Status int

const (
	StatusPending Status = iota
	StatusOK
	StatusCanceled
	StatusError
)

// String returns the status name for logs.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusOK:
		return "ok"
	case StatusCanceled:
		return "canceled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool { return s != StatusPending }

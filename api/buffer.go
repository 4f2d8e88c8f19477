// File: api/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Memory buffer and allocator contracts for host and device memory.
//
// Buffers may be heap, mmap or device-backed memory. Receive-side
// frame buffers are allocated through Allocator and handed to the
// caller on completion; the caller releases them.

package api

// Buffer describes an owned memory region of a specific kind.
type Buffer interface {
	// Bytes returns the buffer contents.
	Bytes() []byte

	// Kind returns the memory kind this buffer was allocated as.
	Kind() MemoryKind

	// Release returns the buffer (and underlying region) to its
	// allocator. After Release, the buffer must not be used.
	Release()
}

// Allocator abstracts memory management for receive-side frames.
type Allocator interface {
	// Allocate returns an owned buffer of exactly size bytes of the
	// requested kind. Fails with an ErrCodeAllocation error when
	// memory of that kind is unavailable.
	Allocate(size int, kind MemoryKind) (Buffer, error)

	// Stats exposes allocation accounting for observability.
	Stats() AllocatorStats
}

// AllocatorStats aggregates buffer allocation/reuse stats.
type AllocatorStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
	KindStats  map[MemoryKind]int64
}

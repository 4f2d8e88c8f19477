//go:build linux

// File: pool/region_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux region backing: device-kind buffers are served from anonymous
// page-aligned mmap regions, standing in for pinned device memory.
// Host-kind buffers stay on the Go heap.

package pool

import (
	"golang.org/x/sys/unix"

	"github.com/momentics/tagflow/api"
)

func allocRegion(size int, kind api.MemoryKind) ([]byte, error) {
	if kind == api.MemHost || size == 0 {
		return make([]byte, size), nil
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, api.NewError(api.ErrCodeAllocation, "device region mmap failed").
			WithContext("size", size).
			WithContext("errno", err.Error())
	}
	return data[:size], nil
}

func freeRegion(data []byte, kind api.MemoryKind) {
	if kind == api.MemHost || len(data) == 0 {
		return
	}
	// Best effort; an unmap failure only leaks the region.
	_ = unix.Munmap(data)
}

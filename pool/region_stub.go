//go:build !linux

// File: pool/region_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Fallback region backing for platforms without the mmap arena:
// device-kind buffers degrade to heap slices.

package pool

import "github.com/momentics/tagflow/api"

func allocRegion(size int, _ api.MemoryKind) ([]byte, error) {
	return make([]byte, size), nil
}

func freeRegion(_ []byte, _ api.MemoryKind) {}

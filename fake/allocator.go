// File: fake/allocator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"

	"github.com/momentics/tagflow/api"
)

// Buffer is a heap-backed api.Buffer for tests.
type Buffer struct {
	data     []byte
	kind     api.MemoryKind
	released bool
	owner    *Allocator
	mu       sync.Mutex
}

// Bytes returns the buffer contents.
func (b *Buffer) Bytes() []byte { return b.data }

// Kind returns the buffer's memory kind.
func (b *Buffer) Kind() api.MemoryKind { return b.kind }

// Release marks the buffer released.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	if b.owner != nil {
		b.owner.mu.Lock()
		b.owner.released++
		b.owner.mu.Unlock()
	}
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.released
}

// Allocator is a fake api.Allocator with failure injection.
type Allocator struct {
	mu        sync.Mutex
	allocated int
	released  int
	failAfter int // fail allocations once this many succeeded; -1 never
}

var _ api.Allocator = (*Allocator)(nil)

// NewAllocator creates a fake allocator that never fails.
func NewAllocator() *Allocator {
	return &Allocator{failAfter: -1}
}

// FailAfter makes allocation n+1 and later fail.
func (a *Allocator) FailAfter(n int) {
	a.mu.Lock()
	a.failAfter = n
	a.mu.Unlock()
}

// Allocate returns a heap buffer, or an allocation error when the
// failure budget is exhausted.
func (a *Allocator) Allocate(size int, kind api.MemoryKind) (api.Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter >= 0 && a.allocated >= a.failAfter {
		return nil, api.NewError(api.ErrCodeAllocation, "fake allocator exhausted").
			WithContext("allocated", a.allocated)
	}
	a.allocated++
	return &Buffer{data: make([]byte, size), kind: kind, owner: a}, nil
}

// Stats exposes allocation accounting.
func (a *Allocator) Stats() api.AllocatorStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return api.AllocatorStats{
		TotalAlloc: int64(a.allocated),
		TotalFree:  int64(a.released),
		InUse:      int64(a.allocated - a.released),
	}
}

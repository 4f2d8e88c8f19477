// File: pool/allocator.go
// Package pool provides the kind-aware buffer allocator used by the
// receive path of the transfer engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Host buffers come from per-kind channel-bucketed free lists; device
// buffers come from a platform arena (mmap on Linux, heap fallback
// elsewhere). Released buffers return to their bucket.

package pool

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/tagflow/api"
)

const bucketDepth = 1024

// MaxAllocSize bounds a single allocation. Frame sizes on the receive
// path come from peer-announced headers; without a ceiling a hostile
// header turns into a makeslice panic instead of an error.
const MaxAllocSize = 1 << 30

// Allocator implements api.Allocator with per-kind free lists.
type Allocator struct {
	mu      sync.Mutex
	buckets map[api.MemoryKind]chan *pooledBuffer

	totalAlloc atomic.Int64
	totalFree  atomic.Int64
	inUse      atomic.Int64
	kindAlloc  [2]atomic.Int64
}

var _ api.Allocator = (*Allocator)(nil)

// NewAllocator creates an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		buckets: make(map[api.MemoryKind]chan *pooledBuffer),
	}
}

func (a *Allocator) bucket(kind api.MemoryKind) chan *pooledBuffer {
	a.mu.Lock()
	ch, ok := a.buckets[kind]
	if !ok {
		ch = make(chan *pooledBuffer, bucketDepth)
		a.buckets[kind] = ch
	}
	a.mu.Unlock()
	return ch
}

// Allocate returns an owned buffer of exactly size bytes.
func (a *Allocator) Allocate(size int, kind api.MemoryKind) (api.Buffer, error) {
	if size < 0 {
		return nil, api.NewError(api.ErrCodeUsage, "negative allocation size").
			WithContext("size", size)
	}
	if size > MaxAllocSize {
		return nil, api.NewError(api.ErrCodeAllocation, "allocation size exceeds limit").
			WithContext("size", size).
			WithContext("limit", MaxAllocSize)
	}
	if kind != api.MemHost && kind != api.MemDevice {
		return nil, api.NewError(api.ErrCodeAllocation, "unsupported memory kind").
			WithContext("kind", uint8(kind))
	}

	ch := a.bucket(kind)
	select {
	case b := <-ch:
		if cap(b.data) >= size {
			b.data = b.data[:size]
			b.released.Store(false)
			a.inUse.Add(1)
			return b, nil
		}
		a.reclaim(b)
	default:
	}

	data, err := allocRegion(size, kind)
	if err != nil {
		return nil, err
	}
	a.totalAlloc.Add(1)
	a.kindAlloc[kind].Add(1)
	a.inUse.Add(1)
	return &pooledBuffer{data: data, kind: kind, owner: a}, nil
}

// put returns a buffer to its bucket, or frees the region when the
// bucket is full.
func (a *Allocator) put(b *pooledBuffer) {
	a.inUse.Add(-1)
	ch := a.bucket(b.kind)
	select {
	case ch <- b:
	default:
		a.reclaim(b)
	}
}

func (a *Allocator) reclaim(b *pooledBuffer) {
	freeRegion(b.data[:cap(b.data)], b.kind)
	a.totalFree.Add(1)
}

// Stats exposes allocation accounting.
func (a *Allocator) Stats() api.AllocatorStats {
	return api.AllocatorStats{
		TotalAlloc: a.totalAlloc.Load(),
		TotalFree:  a.totalFree.Load(),
		InUse:      a.inUse.Load(),
		KindStats: map[api.MemoryKind]int64{
			api.MemHost:   a.kindAlloc[api.MemHost].Load(),
			api.MemDevice: a.kindAlloc[api.MemDevice].Load(),
		},
	}
}

// pooledBuffer implements api.Buffer backed by an allocator region.
type pooledBuffer struct {
	data     []byte
	kind     api.MemoryKind
	owner    *Allocator
	released atomic.Bool
}

// Bytes returns the buffer contents.
func (b *pooledBuffer) Bytes() []byte { return b.data }

// Kind returns the buffer's memory kind.
func (b *pooledBuffer) Kind() api.MemoryKind { return b.kind }

// Release returns the buffer to its allocator. Double release is a
// no-op.
func (b *pooledBuffer) Release() {
	if b.released.CompareAndSwap(false, true) {
		b.owner.put(b)
	}
}

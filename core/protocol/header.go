// File: core/protocol/header.go
// Package protocol implements the fixed-size multi-frame descriptor codec.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A transfer of N frames is described by a chain of headers, each
// covering up to HeaderFrameCap frames. Headers serialize to a constant
// size regardless of how many frames they carry, so receivers can post
// a fixed-size receive before knowing anything about the payload.

package protocol

import (
	"encoding/binary"

	"github.com/momentics/tagflow/api"
)

// HeaderFrameCap is the maximum number of frames describable by a
// single header. Part of the wire protocol; changing it breaks
// interoperability with existing peers.
const HeaderFrameCap = 128

// Wire layout, little-endian:
//
//	[next: 1 byte][nframes: 8 bytes][sizes: HeaderFrameCap x 8 bytes][kinds: HeaderFrameCap x 1 byte]
//
// Unused size/kind slots are zero.
const (
	offNext    = 0
	offNFrames = 1
	offSizes   = offNFrames + 8
	offKinds   = offSizes + HeaderFrameCap*8
)

// Header describes up to HeaderFrameCap frames of one logical transfer.
// Sizes and Kinds are parallel and of equal length; Next marks that
// another header follows on the same tag.
type Header struct {
	Next  bool
	Sizes []uint64
	Kinds []api.MemoryKind
}

// FrameCount returns the number of frames this header describes.
func (h *Header) FrameCount() int { return len(h.Sizes) }

// HeaderDataSize returns the constant serialized size of any header.
func HeaderDataSize() int {
	return 1 + 8 + HeaderFrameCap*8 + HeaderFrameCap
}

// EncodeHeader serializes h into a buffer of exactly HeaderDataSize()
// bytes. A frame count above HeaderFrameCap or mismatched Sizes/Kinds
// lengths is a usage error.
func EncodeHeader(h *Header) ([]byte, error) {
	if len(h.Sizes) != len(h.Kinds) {
		return nil, api.NewError(api.ErrCodeUsage, "header sizes and kinds must be of equal length").
			WithContext("sizes", len(h.Sizes)).
			WithContext("kinds", len(h.Kinds))
	}
	if len(h.Sizes) > HeaderFrameCap {
		return nil, api.NewError(api.ErrCodeUsage, "header frame count exceeds HeaderFrameCap").
			WithContext("nframes", len(h.Sizes))
	}

	buf := make([]byte, HeaderDataSize())
	if h.Next {
		buf[offNext] = 1
	}
	binary.LittleEndian.PutUint64(buf[offNFrames:], uint64(len(h.Sizes)))
	for i, sz := range h.Sizes {
		binary.LittleEndian.PutUint64(buf[offSizes+i*8:], sz)
	}
	for i, k := range h.Kinds {
		buf[offKinds+i] = byte(k)
	}
	return buf, nil
}

// DecodeHeader parses a serialized header. A buffer whose length
// differs from HeaderDataSize(), or an out-of-range frame count,
// fails with a protocol error.
func DecodeHeader(raw []byte) (*Header, error) {
	if len(raw) != HeaderDataSize() {
		return nil, api.NewError(api.ErrCodeProtocol, "header buffer has wrong length").
			WithContext("got", len(raw)).
			WithContext("want", HeaderDataSize())
	}
	nframes := binary.LittleEndian.Uint64(raw[offNFrames:])
	if nframes > HeaderFrameCap {
		return nil, api.NewError(api.ErrCodeProtocol, "header frame count exceeds HeaderFrameCap").
			WithContext("nframes", nframes)
	}

	h := &Header{
		Next:  raw[offNext] != 0,
		Sizes: make([]uint64, nframes),
		Kinds: make([]api.MemoryKind, nframes),
	}
	for i := range h.Sizes {
		h.Sizes[i] = binary.LittleEndian.Uint64(raw[offSizes+i*8:])
	}
	for i := range h.Kinds {
		h.Kinds[i] = api.MemoryKind(raw[offKinds+i])
	}
	return h, nil
}

// BuildHeaders partitions a transfer of len(sizes) frames into a header
// chain. All headers but the last carry exactly HeaderFrameCap frames
// and Next=true. An empty transfer still produces one terminal header
// with zero frames, so the receiver always has a chain to consume.
func BuildHeaders(sizes []uint64, kinds []api.MemoryKind) []Header {
	total := len(sizes)
	count := (total + HeaderFrameCap - 1) / HeaderFrameCap
	if count == 0 {
		count = 1
	}

	headers := make([]Header, 0, count)
	for i := 0; i < count; i++ {
		lo := i * HeaderFrameCap
		hi := lo + HeaderFrameCap
		if hi > total {
			hi = total
		}
		headers = append(headers, Header{
			Next:  i+1 < count,
			Sizes: sizes[lo:hi],
			Kinds: kinds[lo:hi],
		})
	}
	return headers
}

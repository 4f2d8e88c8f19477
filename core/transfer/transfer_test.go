package transfer_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/core/notify"
	"github.com/momentics/tagflow/core/protocol"
	"github.com/momentics/tagflow/core/transfer"
	"github.com/momentics/tagflow/fake"
	"github.com/momentics/tagflow/pool"
)

const testTag = api.Tag(0x42)

func newHarness(t *testing.T) (*fake.Transport, *fake.Allocator, *notify.Notifier) {
	t.Helper()
	tr := fake.NewTransport()
	alloc := fake.NewAllocator()
	n := notify.NewNotifier(nil)
	t.Cleanup(n.Close)
	return tr, alloc, n
}

func waitStatus(t *testing.T, r *transfer.MultiRequest, want api.Status) {
	t.Helper()
	require.True(t, r.Future().Wait(2*time.Second), "future not resolved")
	require.Equal(t, want, r.Future().Status())
	require.Equal(t, want, r.Status())
	require.True(t, r.IsCompleted())
}

func decodeHeaderOp(t *testing.T, op *fake.Op) *protocol.Header {
	t.Helper()
	require.Equal(t, api.DirSend, op.Dir)
	h, err := protocol.DecodeHeader(op.Buf)
	require.NoError(t, err)
	return h
}

func TestSendTwoFramesOneHeader(t *testing.T) {
	tr, _, n := newHarness(t)

	bufA := make([]byte, 100)
	bufB := make([]byte, 4096)
	r, err := transfer.SendMulti(tr, n, testTag, [][]byte{bufA, bufB},
		[]api.MemoryKind{api.MemHost, api.MemDevice}, nil)
	require.NoError(t, err)

	ops := tr.Ops()
	require.Len(t, ops, 3)

	h := decodeHeaderOp(t, ops[0])
	require.False(t, h.Next)
	require.Equal(t, 2, h.FrameCount())
	require.Equal(t, uint64(100), h.Sizes[0])
	require.Equal(t, uint64(4096), h.Sizes[1])
	require.Equal(t, api.MemHost, h.Kinds[0])
	require.Equal(t, api.MemDevice, h.Kinds[1])

	require.Equal(t, api.StatusPending, r.Status())
	tr.CompleteAll(api.StatusOK)
	waitStatus(t, r, api.StatusOK)
	require.NoError(t, r.CheckError())
}

func TestSendHeaderChaining(t *testing.T) {
	tr, _, n := newHarness(t)

	const nframes = protocol.HeaderFrameCap + 1
	buffers := make([][]byte, nframes)
	kinds := make([]api.MemoryKind, nframes)
	for i := range buffers {
		buffers[i] = make([]byte, i+1)
	}

	r, err := transfer.SendMulti(tr, n, testTag, buffers, kinds, nil)
	require.NoError(t, err)

	ops := tr.Ops()
	require.Len(t, ops, 2+nframes)

	first := decodeHeaderOp(t, ops[0])
	require.True(t, first.Next)
	require.Equal(t, protocol.HeaderFrameCap, first.FrameCount())

	second := decodeHeaderOp(t, ops[1])
	require.False(t, second.Next)
	require.Equal(t, 1, second.FrameCount())

	tr.CompleteAll(api.StatusOK)
	waitStatus(t, r, api.StatusOK)
}

func TestSendMismatchedListsFailsFast(t *testing.T) {
	tr, _, n := newHarness(t)

	_, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 1), make([]byte, 2)},
		[]api.MemoryKind{api.MemHost}, nil)
	require.Error(t, err)
	require.True(t, api.IsUsage(err))
	require.Zero(t, tr.OpCount(), "nothing may be submitted after a validation failure")
}

func TestSendEmptyTransfer(t *testing.T) {
	tr, _, n := newHarness(t)

	r, err := transfer.SendMulti(tr, n, testTag, nil, nil, nil)
	require.NoError(t, err)

	ops := tr.Ops()
	require.Len(t, ops, 1)
	h := decodeHeaderOp(t, ops[0])
	require.False(t, h.Next)
	require.Equal(t, 0, h.FrameCount())

	// Resolves without any frame completions.
	waitStatus(t, r, api.StatusOK)
}

func TestSendSubmitFailure(t *testing.T) {
	tr, _, n := newHarness(t)
	tr.SetSubmitError(api.ErrTransportClosed)

	r, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 8)}, []api.MemoryKind{api.MemHost}, nil)
	require.Error(t, err)
	require.True(t, api.IsTransport(err))
	waitStatus(t, r, api.StatusError)
}

func deliverHeader(t *testing.T, tr *fake.Transport, h *protocol.Header) {
	t.Helper()
	raw, err := protocol.EncodeHeader(h)
	require.NoError(t, err)
	require.True(t, tr.Deliver(testTag, raw))
}

func TestRecvSingleHeaderFlow(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	ops := tr.Ops()
	require.Len(t, ops, 1)
	require.Equal(t, api.DirRecv, ops[0].Dir)
	require.Len(t, ops[0].Buf, protocol.HeaderDataSize())

	deliverHeader(t, tr, &protocol.Header{
		Sizes: []uint64{5, 3},
		Kinds: []api.MemoryKind{api.MemHost, api.MemDevice},
	})

	ops = tr.Ops()
	require.Len(t, ops, 3)
	require.Len(t, ops[1].Buf, 5)
	require.Len(t, ops[2].Buf, 3)

	require.True(t, tr.Deliver(testTag, []byte("hello")))
	require.True(t, tr.Deliver(testTag, []byte("abc")))
	waitStatus(t, r, api.StatusOK)

	frames, err := r.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "hello", string(frames[0].Bytes()))
	require.Equal(t, "abc", string(frames[1].Bytes()))
	require.Equal(t, api.MemHost, frames[0].Kind())
	require.Equal(t, api.MemDevice, frames[1].Kind())
}

func TestRecvHeaderChain(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	deliverHeader(t, tr, &protocol.Header{
		Next:  true,
		Sizes: []uint64{4},
		Kinds: []api.MemoryKind{api.MemHost},
	})

	// Continuation: a second fixed-size header receive must be posted,
	// and no frame receives yet.
	ops := tr.Ops()
	require.Len(t, ops, 2)
	require.Len(t, ops[1].Buf, protocol.HeaderDataSize())

	deliverHeader(t, tr, &protocol.Header{
		Sizes: []uint64{2},
		Kinds: []api.MemoryKind{api.MemDevice},
	})

	ops = tr.Ops()
	require.Len(t, ops, 4)

	require.True(t, tr.Deliver(testTag, []byte("wxyz")))
	require.True(t, tr.Deliver(testTag, []byte("ok")))
	waitStatus(t, r, api.StatusOK)

	frames, err := r.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "wxyz", string(frames[0].Bytes()))
	require.Equal(t, "ok", string(frames[1].Bytes()))
}

func TestRecvOutOfOrderCompletions(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	deliverHeader(t, tr, &protocol.Header{
		Sizes: []uint64{1, 1, 1},
		Kinds: make([]api.MemoryKind, 3),
	})

	ops := tr.Ops()
	require.Len(t, ops, 4)

	// Complete frame receives in reverse submit order; delivered frame
	// order must still follow descriptor order.
	for i := 3; i >= 1; i-- {
		copy(ops[i].Buf, []byte{byte('a' + i - 1)})
		tr.CompleteOp(ops[i], api.StatusOK)
	}
	waitStatus(t, r, api.StatusOK)

	frames, err := r.Frames()
	require.NoError(t, err)
	require.Len(t, frames, 3)
	require.Equal(t, "a", string(frames[0].Bytes()))
	require.Equal(t, "b", string(frames[1].Bytes()))
	require.Equal(t, "c", string(frames[2].Bytes()))
}

func TestRecvEmptyTransfer(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	deliverHeader(t, tr, &protocol.Header{})
	waitStatus(t, r, api.StatusOK)

	frames, err := r.Frames()
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestRecvMalformedHeader(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	raw := make([]byte, protocol.HeaderDataSize())
	raw[1] = 0xFF // nframes far beyond HeaderFrameCap
	require.True(t, tr.Deliver(testTag, raw))

	waitStatus(t, r, api.StatusError)
	require.True(t, api.IsProtocol(r.CheckError()))
}

func TestRecvOversizedFrameAnnouncement(t *testing.T) {
	// A well-formed header advertising an absurd frame size must fail
	// the transfer with an allocation error, never panic the receiver.
	for _, size := range []uint64{1 << 60, math.MaxUint64} {
		tr := fake.NewTransport()
		n := notify.NewNotifier(nil)
		t.Cleanup(n.Close)

		r, err := transfer.RecvMulti(tr, pool.NewAllocator(), n, testTag, nil)
		require.NoError(t, err)

		deliverHeader(t, tr, &protocol.Header{
			Sizes: []uint64{size},
			Kinds: []api.MemoryKind{api.MemHost},
		})

		waitStatus(t, r, api.StatusError)
		require.True(t, api.IsAllocation(r.CheckError()), "size %d", size)
	}
}

func TestRecvAllocationFailure(t *testing.T) {
	tr, alloc, n := newHarness(t)
	alloc.FailAfter(1)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	deliverHeader(t, tr, &protocol.Header{
		Sizes: []uint64{8, 8},
		Kinds: make([]api.MemoryKind, 2),
	})

	waitStatus(t, r, api.StatusError)
	require.True(t, api.IsAllocation(r.CheckError()))
}

func TestSubRequestErrorAggregation(t *testing.T) {
	tr, _, n := newHarness(t)

	r, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 4), make([]byte, 4)},
		make([]api.MemoryKind, 2), nil)
	require.NoError(t, err)

	ops := tr.Ops()
	require.Len(t, ops, 3)
	tr.CompleteOp(ops[0], api.StatusOK)    // header
	tr.CompleteOp(ops[1], api.StatusError) // first frame fails
	tr.CompleteOp(ops[2], api.StatusOK)

	waitStatus(t, r, api.StatusError)
	require.True(t, api.IsTransport(r.CheckError()))
}

func TestCancelBeforeCompletion(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)

	r.Cancel()
	require.Equal(t, api.StatusCanceled, r.Future().Status())
	require.Error(t, r.CheckError())
	require.True(t, api.IsCanceled(r.CheckError()))

	// The fake cancels the in-flight header receive; its completion
	// callback fires with StatusCanceled and must not re-resolve.
	require.Equal(t, api.StatusCanceled, r.Future().Status())
}

func TestCancelWinsOverLateOK(t *testing.T) {
	tr, _, n := newHarness(t)

	r, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 4)}, make([]api.MemoryKind, 1), nil)
	require.NoError(t, err)

	r.Cancel()
	tr.CompleteAll(api.StatusOK) // late completions are tolerated

	require.True(t, r.Future().Wait(2*time.Second))
	require.Equal(t, api.StatusCanceled, r.Future().Status())
}

func TestFramesDirectionMisuse(t *testing.T) {
	tr, _, n := newHarness(t)

	r, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 1)}, make([]api.MemoryKind, 1), nil)
	require.NoError(t, err)
	require.Equal(t, api.DirSend, r.Direction())

	_, err = r.Frames()
	require.Error(t, err)
	require.True(t, api.IsUsage(err))
}

func TestFramesBeforeCompletion(t *testing.T) {
	tr, alloc, n := newHarness(t)

	r, err := transfer.RecvMulti(tr, alloc, n, testTag, nil)
	require.NoError(t, err)
	require.Equal(t, api.DirRecv, r.Direction())

	_, err = r.Frames()
	require.Error(t, err)
	require.True(t, api.IsUsage(err))
}

func TestDoubleCompletionIsIgnored(t *testing.T) {
	tr, _, n := newHarness(t)

	r, err := transfer.SendMulti(tr, n, testTag,
		[][]byte{make([]byte, 1)}, make([]api.MemoryKind, 1), nil)
	require.NoError(t, err)

	ops := tr.Ops()
	tr.CompleteAll(api.StatusOK)
	waitStatus(t, r, api.StatusOK)

	// Completing again must be a no-op end to end.
	for _, op := range ops {
		tr.CompleteOp(op, api.StatusError)
	}
	require.Equal(t, api.StatusOK, r.Status())
}

package loopback_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/tagflow/api"
	"github.com/momentics/tagflow/transport/loopback"
)

func waitCompleted(t *testing.T, h api.Handle) api.Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.IsCompleted() {
			return h.Status()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("operation did not complete")
	return api.StatusPending
}

func TestSendThenRecv(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	sh, err := p.A.Submit(api.DirSend, 0x42, []byte("hello"), nil)
	require.NoError(t, err)
	require.Equal(t, api.StatusOK, waitCompleted(t, sh))

	buf := make([]byte, 5)
	var mu sync.Mutex
	var got api.Status
	rh, err := p.B.Submit(api.DirRecv, 0x42, buf, func(_ api.Handle, st api.Status) {
		mu.Lock()
		got = st
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, api.StatusOK, waitCompleted(t, rh))
	require.Equal(t, []byte("hello"), buf)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == api.StatusOK
	}, time.Second, time.Millisecond)
}

func TestRecvThenSend(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	buf := make([]byte, 8)
	rh, err := p.B.Submit(api.DirRecv, 7, buf, nil)
	require.NoError(t, err)
	require.False(t, rh.IsCompleted())

	_, err = p.A.Submit(api.DirSend, 7, []byte("abcdefgh"), nil)
	require.NoError(t, err)
	require.Equal(t, api.StatusOK, waitCompleted(t, rh))
	require.Equal(t, []byte("abcdefgh"), buf)
}

func TestPerTagFIFO(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	for _, msg := range []string{"first", "second", "third"} {
		_, err := p.A.Submit(api.DirSend, 1, []byte(msg), nil)
		require.NoError(t, err)
	}

	for _, want := range []string{"first", "second", "third"} {
		buf := make([]byte, len(want))
		rh, err := p.B.Submit(api.DirRecv, 1, buf, nil)
		require.NoError(t, err)
		require.Equal(t, api.StatusOK, waitCompleted(t, rh))
		require.Equal(t, want, string(buf))
	}
}

func TestTagsAreIndependent(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	_, err := p.A.Submit(api.DirSend, 2, []byte("two"), nil)
	require.NoError(t, err)
	_, err = p.A.Submit(api.DirSend, 1, []byte("one"), nil)
	require.NoError(t, err)

	buf := make([]byte, 3)
	rh, err := p.B.Submit(api.DirRecv, 1, buf, nil)
	require.NoError(t, err)
	require.Equal(t, api.StatusOK, waitCompleted(t, rh))
	require.Equal(t, "one", string(buf))
}

func TestCancelPendingRecv(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	buf := make([]byte, 4)
	rh, err := p.B.Submit(api.DirRecv, 9, buf, nil)
	require.NoError(t, err)

	require.NoError(t, p.B.Cancel(rh))
	require.Equal(t, api.StatusCanceled, waitCompleted(t, rh))

	// A canceled receive must not swallow the next send.
	_, err = p.A.Submit(api.DirSend, 9, []byte("data"), nil)
	require.NoError(t, err)

	buf2 := make([]byte, 4)
	rh2, err := p.B.Submit(api.DirRecv, 9, buf2, nil)
	require.NoError(t, err)
	require.Equal(t, api.StatusOK, waitCompleted(t, rh2))
	require.Equal(t, "data", string(buf2))
}

func TestCloseCancelsPendingAndRejectsSubmit(t *testing.T) {
	p := loopback.NewPair(nil, nil)

	buf := make([]byte, 4)
	rh, err := p.B.Submit(api.DirRecv, 3, buf, nil)
	require.NoError(t, err)

	require.NoError(t, p.B.Close())
	require.Equal(t, api.StatusCanceled, rh.Status())

	_, err = p.B.Submit(api.DirRecv, 3, buf, nil)
	require.ErrorIs(t, err, api.ErrTransportClosed)
	_, err = p.A.Submit(api.DirSend, 3, []byte("x"), nil)
	require.ErrorIs(t, err, api.ErrTransportClosed)

	require.NoError(t, p.A.Close())
}

func TestConcurrentSendersOneTagEach(t *testing.T) {
	p := loopback.NewPair(nil, nil)
	defer p.Close()

	const tags = 16
	var wg sync.WaitGroup
	for i := 0; i < tags; i++ {
		wg.Add(1)
		go func(tag api.Tag) {
			defer wg.Done()
			_, err := p.A.Submit(api.DirSend, tag, []byte{byte(tag)}, nil)
			require.NoError(t, err)
		}(api.Tag(i))
	}
	wg.Wait()

	for i := 0; i < tags; i++ {
		buf := make([]byte, 1)
		rh, err := p.B.Submit(api.DirRecv, api.Tag(i), buf, nil)
		require.NoError(t, err)
		require.Equal(t, api.StatusOK, waitCompleted(t, rh))
		require.Equal(t, byte(i), buf[0])
	}
}

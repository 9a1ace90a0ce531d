package duplex_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/laser-logger/pkg/duplex"
	"github.com/stretchr/testify/require"
)

func TestPairDirections(t *testing.T) {
	a, b := duplex.Pair[string, int]()

	require.NoError(t, a.Send("hello"))
	require.NoError(t, b.Send(42))

	s, err := b.TryRecv()
	require.NoError(t, err)
	require.Equal(t, "hello", s)

	n, err := a.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 42, n)
}

func TestTryRecvEmpty(t *testing.T) {
	a, _ := duplex.Pair[int, int]()

	_, err := a.TryRecv()
	require.ErrorIs(t, err, duplex.ErrEmpty)
}

func TestFIFO(t *testing.T) {
	a, b := duplex.Pair[int, struct{}]()

	for i := 0; i < 1000; i++ {
		require.NoError(t, a.Send(i))
	}
	for i := 0; i < 1000; i++ {
		v, err := b.Recv(context.Background())
		require.NoError(t, err)
		require.Equal(t, i, v)
	}
}

func TestRecvBlocksUntilSend(t *testing.T) {
	a, b := duplex.Pair[int, struct{}]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = a.Send(7)
	}()

	v, err := b.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestRecvContextDone(t *testing.T) {
	_, b := duplex.Pair[int, struct{}]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPeerGone(t *testing.T) {
	a, b := duplex.Pair[int, int]()

	require.NoError(t, a.Send(1))
	a.Close()

	// already queued messages survive the close
	v, err := b.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = b.TryRecv()
	require.ErrorIs(t, err, duplex.ErrPeerGone)

	_, err = b.Recv(context.Background())
	require.ErrorIs(t, err, duplex.ErrPeerGone)

	require.ErrorIs(t, b.Send(2), duplex.ErrPeerGone)
}

func TestRecvWakesOnPeerClose(t *testing.T) {
	a, b := duplex.Pair[int, int]()

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Close()
	}()

	_, err := b.Recv(context.Background())
	require.ErrorIs(t, err, duplex.ErrPeerGone)
}

func TestCloseTwice(t *testing.T) {
	a, b := duplex.Pair[int, int]()

	a.Close()
	a.Close()

	require.ErrorIs(t, b.Send(1), duplex.ErrPeerGone)
}

func TestReadySignal(t *testing.T) {
	a, b := duplex.Pair[int, int]()

	require.NoError(t, a.Send(3))

	select {
	case <-b.Ready():
	case <-time.After(time.Second):
		t.Fatal("ready not signalled")
	}
	v, err := b.TryRecv()
	require.NoError(t, err)
	require.Equal(t, 3, v)
}

func TestConcurrentSenders(t *testing.T) {
	a, b := duplex.Pair[int, struct{}]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			require.NoError(t, a.Send(v))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		v, err := b.TryRecv()
		require.NoError(t, err)
		seen[v] = true
	}
	require.Len(t, seen, 100)
}

func TestPending(t *testing.T) {
	a, b := duplex.Pair[int, int]()

	require.False(t, b.Pending())
	require.NoError(t, a.Send(1))
	require.True(t, b.Pending())

	_, err := b.TryRecv()
	require.NoError(t, err)
	require.False(t, b.Pending())

	a.Close()
	require.True(t, b.Pending())
}

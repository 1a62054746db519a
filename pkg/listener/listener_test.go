package listener

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListener_HandlesQueuedItems(t *testing.T) {
	in := make(chan int, 4)
	var sum atomic.Int64

	l := New("adder", in, func(v int) error {
		sum.Add(int64(v))
		return nil
	})
	l.Start(context.Background())

	for _, v := range []int{1, 2, 3, 4} {
		in <- v
	}
	require.Eventually(t, func() bool {
		return sum.Load() == 10
	}, 2*time.Second, 5*time.Millisecond)

	l.Stop()
}

func TestListener_StopDrainsBufferedItems(t *testing.T) {
	in := make(chan int, 8)
	var handled atomic.Int64
	var stopped atomic.Bool

	l := New("drainer", in,
		func(int) error {
			handled.Add(1)
			return nil
		},
		func() { stopped.Store(true) },
	)
	l.Start(context.Background())

	for i := 0; i < 8; i++ {
		in <- i
	}
	l.Stop()

	// everything enqueued before Stop is handled, then the stop hook runs
	require.Equal(t, int64(8), handled.Load())
	require.True(t, stopped.Load())
}

func TestListener_HandlerErrorDoesNotStopTheLoop(t *testing.T) {
	in := make(chan int, 2)
	var ok atomic.Int64

	l := New("flaky", in, func(v int) error {
		if v < 0 {
			return errors.New("bad item")
		}
		ok.Add(1)
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()

	in <- -1
	in <- 1
	require.Eventually(t, func() bool {
		return ok.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) *CommandQueue {
	t.Helper()
	cq := New(Config{Logger: zerolog.Nop()})
	t.Cleanup(func() { cq.Close() })
	return cq
}

func TestCommandQueue_Enqueue(t *testing.T) {
	cq := newQueue(t)
	ctx := context.Background()

	t.Run("should return the task result", func(t *testing.T) {
		result, err := cq.Enqueue(ctx, "test", func(ctx context.Context) (any, error) {
			return "result", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "result", result)
	})

	t.Run("should return the task error", func(t *testing.T) {
		expected := errors.New("task failed")
		result, err := cq.Enqueue(ctx, "test", func(ctx context.Context) (any, error) {
			return nil, expected
		})
		assert.ErrorIs(t, err, expected)
		assert.Nil(t, result)
	})

	t.Run("should turn panics into errors", func(t *testing.T) {
		_, err := cq.Enqueue(ctx, "test", func(ctx context.Context) (any, error) {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("should drop idle lanes", func(t *testing.T) {
		assert.Empty(t, cq.Stats())
	})
}

func TestCommandQueue_SameLaneIsSerial(t *testing.T) {
	cq := newQueue(t)
	lane := ThreadLane("t-1")

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, peak.Load())
}

func TestCommandQueue_FIFO(t *testing.T) {
	cq := newQueue(t)
	lane := ThreadLane("fifo")

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
		// wait until the task is queued so enqueue order is fixed
		require.Eventually(t, func() bool { return cq.QueueSize(lane) == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3}, order)
}

func TestCommandQueue_LanesRunInParallel(t *testing.T) {
	cq := newQueue(t)

	barrier := make(chan struct{})
	var arrived atomic.Int32
	task := func(ctx context.Context) (any, error) {
		if arrived.Add(1) == 2 {
			close(barrier)
		}
		select {
		case <-barrier:
			return nil, nil
		case <-time.After(2 * time.Second):
			return nil, errors.New("lanes were serialized")
		}
	}

	var wg sync.WaitGroup
	for _, lane := range []string{ThreadLane("a"), ThreadLane("b")} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cq.Enqueue(context.Background(), lane, task)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestCommandQueue_CancelWhileQueued(t *testing.T) {
	cq := newQueue(t)
	lane := ThreadLane("busy")

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), lane, func(ctx context.Context) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, lane, func(ctx context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize(lane) == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, cq.QueueSize(lane))

	close(release)
	require.Eventually(t, func() bool { return len(cq.Stats()) == 0 }, time.Second, time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(Config{Logger: zerolog.Nop()})

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "main", func(ctx context.Context) (any, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLaneKind(t *testing.T) {
	assert.Equal(t, "thread", laneKind(ThreadLane("abc-def")))
	assert.Equal(t, "main", laneKind("main"))
}

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
	cq := New(zerolog.Nop())
	t.Cleanup(func() { cq.Close() })
	return cq
}

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := newQueue(t)

	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := newQueue(t)

	expected := errors.New("task failed")
	result, err := cq.Enqueue(context.Background(), "test", func(ctx context.Context) (interface{}, error) {
		return nil, expected
	})

	assert.ErrorIs(t, err, expected)
	assert.Nil(t, result)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := newQueue(t)

	block := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "serial", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}(i)
		require.Eventually(t, func() bool { return cq.GetQueueSize("serial") == i+1 }, time.Second, time.Millisecond)
	}

	close(block)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_ConcurrencyLimit(t *testing.T) {
	cq := newQueue(t)
	cq.SetConcurrency("generation", 2)

	var (
		running int32
		peak    int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cq.Enqueue(context.Background(), "generation", func(ctx context.Context) (interface{}, error) {
				n := atomic.AddInt32(&running, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestCommandQueue_WithdrawOnCancel(t *testing.T) {
	cq := newQueue(t)

	block := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "gen", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "gen", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return cq.GetQueueSize("gen") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, cq.GetQueueSize("gen"))

	close(block)
	assert.True(t, cq.WaitForActive(context.Background()))
	assert.False(t, ran.Load())
}

func TestCommandQueue_RunningTaskSeesCancel(t *testing.T) {
	cq := newQueue(t)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(ctx, "gen", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()

	<-started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestCommandQueue_GetStats(t *testing.T) {
	cq := newQueue(t)
	cq.SetConcurrency("a", 3)

	_, err := cq.Enqueue(context.Background(), "b", func(ctx context.Context) (interface{}, error) { return nil, nil })
	require.NoError(t, err)

	stats := cq.GetStats()
	assert.Equal(t, Stats{Concurrency: 3}, stats["a"])
	assert.Equal(t, Stats{Concurrency: 1}, stats["b"])
}

func TestCommandQueue_ClearLane(t *testing.T) {
	cq := newQueue(t)

	block := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started

	errCh := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.GetQueueSize("lane") == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, cq.ClearLane("lane"))
	assert.ErrorIs(t, <-errCh, ErrLaneCleared)
	assert.ErrorIs(t, <-errCh, ErrLaneCleared)
	assert.Equal(t, 0, cq.ClearLane("missing"))

	close(block)
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New(zerolog.Nop())

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		errCh <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-errCh, context.Canceled)

	_, err := cq.Enqueue(context.Background(), "lane", func(ctx context.Context) (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrClosed)
}

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New[int](4, PolicyWait)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	for i := 0; i < 4; i++ {
		v, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestQueue_DropOldestNeverBlocks(t *testing.T) {
	q := New[int](2, PolicyDropOldest)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))
	require.NoError(t, q.Enqueue(ctx, 2))
	require.NoError(t, q.Enqueue(ctx, 3)) // evicts 1

	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, int64(1), q.Dropped())
}

func TestQueue_WaitBlocksUntilSpace(t *testing.T) {
	q := New[int](1, PolicyWait)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, q.Enqueue(ctx, 2))
	}()

	time.Sleep(20 * time.Millisecond)
	v, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	wg.Wait()
	v, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestQueue_EnqueueRespectsCancellation(t *testing.T) {
	q := New[int](1, PolicyWait)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 1))

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(cctx, 2)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_CloseUnblocksConsumers(t *testing.T) {
	q := New[int](1, PolicyWait)
	done := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not unblock after Close")
	}
}

package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobsOfOneProjectNeverOverlap(t *testing.T) {
	q := NewQueue(64, nil)
	defer q.Close()

	var running, maxRunning int32
	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Submit(context.Background(), "p1", func(ctx context.Context) error {
				n := atomic.AddInt32(&running, 1)
				for {
					m := atomic.LoadInt32(&maxRunning)
					if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&running, -1)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxRunning)
	assert.Len(t, order, 20)
}

func TestProjectsRunInParallel(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), "slow", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- q.Submit(context.Background(), "fast", func(ctx context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("job of another project was blocked")
	}
	close(release)
}

func TestSubmitReturnsJobError(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()

	err := q.Submit(context.Background(), "p1", func(ctx context.Context) error {
		return graph.NewNotFound("node", "x")
	})
	require.ErrorIs(t, err, graph.ErrNotFound)

	err = q.Submit(context.Background(), "p1", func(ctx context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
}

func TestFullQueueFailsFast(t *testing.T) {
	q := NewQueue(1, nil)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), "p1", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// fills the single buffer slot
	queued := make(chan error, 1)
	go func() {
		queued <- q.Submit(context.Background(), "p1", func(ctx context.Context) error { return nil })
	}()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.workers["p1"]) == 1
	}, 2*time.Second, 5*time.Millisecond)

	err := q.Submit(context.Background(), "p1", func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, graph.ErrQueueFull)
	assert.True(t, graph.IsTransient(err))

	close(release)
	require.NoError(t, <-queued)
}

func TestCancelledJobIsSkipped(t *testing.T) {
	q := NewQueue(4, nil)
	defer q.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = q.Submit(context.Background(), "p1", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	result := make(chan error, 1)
	go func() {
		result <- q.Submit(ctx, "p1", func(ctx context.Context) error {
			ran = true
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.workers["p1"]) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	close(release)

	require.ErrorIs(t, <-result, context.Canceled)
	assert.False(t, ran)
}

func TestSubmitAfterClose(t *testing.T) {
	q := NewQueue(1, nil)
	q.Close()
	require.ErrorIs(t, q.Submit(context.Background(), "p1", func(ctx context.Context) error { return nil }), ErrClosed)
}

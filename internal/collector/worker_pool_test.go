package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPoolRunsEveryJob(t *testing.T) {
	pool := NewWorkerPool(4, quietLogger())

	var done atomic.Int32
	for i := 0; i < 20; i++ {
		assert.True(t, pool.Submit(context.Background(), func() { done.Add(1) }))
	}
	pool.Wait()

	assert.Equal(t, int32(20), done.Load())
	stats := pool.GetStats()
	assert.Equal(t, 4, stats.Workers)
	assert.Equal(t, int64(20), stats.CompletedJobs)
}

func TestWorkerPoolSingleWorkerKeepsOrder(t *testing.T) {
	pool := NewWorkerPool(0, quietLogger())

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 5; i++ {
		pool.Submit(context.Background(), func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		})
	}
	pool.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 1, pool.GetStats().Workers)
}

func TestWorkerPoolSubmitAfterCancel(t *testing.T) {
	pool := NewWorkerPool(1, quietLogger())
	defer pool.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	assert.False(t, pool.Submit(ctx, func() { ran = true }))
	pool.Wait()
	assert.False(t, ran)
}

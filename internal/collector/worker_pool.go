package collector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool runs submitted jobs on a fixed number of goroutines. With a single worker
// jobs execute one at a time in submission order.
type WorkerPool struct {
	workerCount int
	logger      *slog.Logger

	jobQueue chan func()
	wg       sync.WaitGroup
	once     sync.Once

	// Statistics
	completedJobs int64
	totalJobTime  int64 // nanoseconds
}

// WorkerPoolStats reports pool activity.
type WorkerPoolStats struct {
	Workers        int
	CompletedJobs  int64
	AverageJobTime time.Duration
}

// NewWorkerPool starts workerCount workers. Values below one mean one worker.
func NewWorkerPool(workerCount int, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	wp := &WorkerPool{
		workerCount: workerCount,
		logger:      logger,
		jobQueue:    make(chan func()),
	}

	for i := 0; i < workerCount; i++ {
		wp.wg.Add(1)
		go wp.work(i + 1)
	}
	return wp
}

func (wp *WorkerPool) work(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		start := time.Now()
		job()
		atomic.AddInt64(&wp.completedJobs, 1)
		atomic.AddInt64(&wp.totalJobTime, int64(time.Since(start)))
	}
	wp.logger.Debug("worker exiting", "worker_id", id)
}

// Submit hands job to the next idle worker. It returns false without queueing when ctx
// is done first.
func (wp *WorkerPool) Submit(ctx context.Context, job func()) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case wp.jobQueue <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Wait stops accepting jobs and blocks until every submitted job has finished.
func (wp *WorkerPool) Wait() {
	wp.once.Do(func() { close(wp.jobQueue) })
	wp.wg.Wait()
}

// GetStats returns current pool statistics.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.completedJobs)
	var avg time.Duration
	if completed > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.totalJobTime) / completed)
	}
	return WorkerPoolStats{
		Workers:        wp.workerCount,
		CompletedJobs:  completed,
		AverageJobTime: avg,
	}
}

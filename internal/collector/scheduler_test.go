package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	onRun func(n int32)
}

func (j *countingJob) Name() string { return j.name }

func (j *countingJob) Execute(context.Context) error {
	n := j.runs.Add(1)
	if j.onRun != nil {
		j.onRun(n)
	}
	return j.err
}

func TestSchedulerAddJobValidation(t *testing.T) {
	s := NewScheduler(quietLogger())

	require.Error(t, s.AddJob(nil, time.Second))
	require.Error(t, s.AddJob(&countingJob{name: "live"}, 0))
	require.NoError(t, s.AddJob(&countingJob{name: "live"}, time.Second))
	assert.Equal(t, 1, s.GetStats().TotalJobs)
}

func TestSchedulerStartWithoutJobs(t *testing.T) {
	s := NewScheduler(quietLogger())
	require.Error(t, s.Start(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestSchedulerRunsImmediatelyThenEveryInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		waits []time.Duration
	)
	job := &countingJob{name: "live", onRun: func(n int32) {
		if n == 3 {
			cancel()
		}
	}}

	s := NewScheduler(quietLogger())
	s.wait = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}
	require.NoError(t, s.AddJob(job, time.Minute))

	require.NoError(t, s.Run(ctx))

	assert.Equal(t, int32(3), job.runs.Load())
	assert.False(t, s.IsRunning())
	mu.Lock()
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, waits)
	mu.Unlock()

	stats := s.GetStats()
	assert.Equal(t, int64(3), stats.CompletedRuns)
	assert.Zero(t, stats.FailedRuns)
	assert.False(t, stats.LastRunTime.IsZero())
}

func TestSchedulerCountsFailedRuns(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job := &countingJob{name: "live", err: errors.New("1 of 2 live tasks failed"), onRun: func(n int32) {
		if n == 2 {
			cancel()
		}
	}}

	s := NewScheduler(quietLogger())
	s.wait = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	require.NoError(t, s.AddJob(job, time.Second))
	require.NoError(t, s.Run(ctx))

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats.FailedRuns)
	assert.Zero(t, stats.CompletedRuns)
}

func TestSchedulerStartStop(t *testing.T) {
	job := &countingJob{name: "live"}
	s := NewScheduler(quietLogger())
	require.NoError(t, s.AddJob(job, 10*time.Millisecond))

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	require.Error(t, s.Start(context.Background()), "second start")
	require.Error(t, s.AddJob(&countingJob{name: "late"}, time.Second))

	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	assert.False(t, s.IsRunning())

	runs := job.runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, runs, job.runs.Load(), "no runs after stop")

	require.Error(t, s.Stop(stopCtx), "already stopped")
}

func TestSchedulerWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool

	job := &countingJob{name: "slow", onRun: func(n int32) {
		if n == 1 {
			close(started)
			<-release
			finished.Store(true)
		}
	}}

	s := NewScheduler(quietLogger())
	require.NoError(t, s.AddJob(job, time.Hour))
	require.NoError(t, s.Start(context.Background()))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatal("stop returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-stopped)
	assert.True(t, finished.Load())
}

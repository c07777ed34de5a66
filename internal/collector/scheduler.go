package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/tda-collector/internal/resilience"
)

// Job is one unit of repeated work.
type Job interface {
	Name() string
	Execute(ctx context.Context) error
}

// SchedulerStats reports scheduler activity.
type SchedulerStats struct {
	TotalJobs     int
	CompletedRuns int64
	FailedRuns    int64
	LastRunTime   time.Time
	UptimeSeconds int64
}

type scheduledJob struct {
	job      Job
	interval time.Duration
}

// Scheduler runs each registered job immediately, then again after its interval has
// elapsed since the previous run finished. Runs of one job never overlap. Cancelling
// the start context or calling Stop ends all loops once the in-flight run returns.
type Scheduler struct {
	logger *slog.Logger
	wait   func(ctx context.Context, d time.Duration) error

	jobsMu sync.Mutex
	jobs   []scheduledJob

	isRunning int32
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}

	statsMu       sync.RWMutex
	startTime     time.Time
	lastRunTime   time.Time
	completedRuns int64
	failedRuns    int64
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		wait:   resilience.SleepContext,
	}
}

// AddJob registers job to run every interval. Jobs cannot be added while running.
func (s *Scheduler) AddJob(job Job, interval time.Duration) error {
	if job == nil {
		return fmt.Errorf("job must not be nil")
	}
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", job.Name(), interval)
	}
	if s.IsRunning() {
		return fmt.Errorf("cannot add job %s while the scheduler is running", job.Name())
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobs = append(s.jobs, scheduledJob{job: job, interval: interval})
	return nil
}

// Start launches one loop per job and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}

	s.jobsMu.Lock()
	jobs := append([]scheduledJob(nil), s.jobs...)
	s.jobsMu.Unlock()

	if len(jobs) == 0 {
		atomic.StoreInt32(&s.isRunning, 0)
		return fmt.Errorf("scheduler has no jobs")
	}

	s.statsMu.Lock()
	s.startTime = time.Now()
	s.statsMu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	for _, sj := range jobs {
		s.wg.Add(1)
		go s.loop(sj)
	}

	done := s.done
	go func() {
		s.wg.Wait()
		atomic.StoreInt32(&s.isRunning, 0)
		close(done)
	}()

	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop cancels every loop and waits for in-flight runs to return, or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.IsRunning() {
		return fmt.Errorf("scheduler is not running")
	}

	s.logger.Info("stopping scheduler")
	s.cancel()

	select {
	case <-s.done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// Run starts the scheduler and blocks until ctx is cancelled and every in-flight run
// has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-s.done
	s.logger.Info("scheduler stopped")
	return nil
}

// IsRunning reports whether job loops are active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// GetStats returns a snapshot of run counters.
func (s *Scheduler) GetStats() SchedulerStats {
	s.jobsMu.Lock()
	total := len(s.jobs)
	s.jobsMu.Unlock()

	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	uptime := int64(0)
	if !s.startTime.IsZero() {
		uptime = int64(time.Since(s.startTime).Seconds())
	}

	return SchedulerStats{
		TotalJobs:     total,
		CompletedRuns: atomic.LoadInt64(&s.completedRuns),
		FailedRuns:    atomic.LoadInt64(&s.failedRuns),
		LastRunTime:   s.lastRunTime,
		UptimeSeconds: uptime,
	}
}

func (s *Scheduler) loop(sj scheduledJob) {
	defer s.wg.Done()

	for {
		s.execute(sj.job)
		if err := s.wait(s.ctx, sj.interval); err != nil {
			return
		}
	}
}

func (s *Scheduler) execute(job Job) {
	start := time.Now()
	err := job.Execute(s.ctx)
	duration := time.Since(start)

	s.statsMu.Lock()
	s.lastRunTime = start
	s.statsMu.Unlock()

	switch {
	case err == nil:
		atomic.AddInt64(&s.completedRuns, 1)
		s.logger.Debug("job run completed", "job", job.Name(), "duration", duration)
	case errors.Is(err, context.Canceled) && s.ctx.Err() != nil:
		s.logger.Debug("job run cancelled", "job", job.Name())
	default:
		atomic.AddInt64(&s.failedRuns, 1)
		s.logger.Warn("job run finished with errors", "job", job.Name(), "duration", duration, "error", err)
	}
}

package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Executor runs one named maintenance task.
type Executor interface {
	RunTask(ctx context.Context, task string) error
}

// JobRunner executes a single job on schedule. Runs of the same job never
// overlap: a tick arriving while the previous run is still in flight is
// skipped.
type JobRunner struct {
	job      *Job
	executor Executor
	logger   *slog.Logger
	running  atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewJobRunner creates a runner for one job.
func NewJobRunner(job *Job, executor Executor, log *slog.Logger) *JobRunner {
	if log == nil {
		log = slog.Default()
	}
	return &JobRunner{
		job:      job,
		executor: executor,
		logger:   log.With("job", job.ID),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start executes the job on its schedule until stopped.
func (r *JobRunner) Start(ctx context.Context) {
	defer close(r.doneCh)

	if !r.job.Enabled {
		r.logger.Debug("job disabled, not starting")
		return
	}

	nextRun, err := r.job.NextRun(time.Now())
	if err != nil {
		r.logger.Error("failed to calculate next run", "error", err)
		return
	}
	r.job.setNextRun(nextRun)

	r.logger.Info("job runner started", "next_run", nextRun.Format(time.RFC3339))

	var tickerDuration time.Duration
	switch r.job.Schedule.Kind {
	case "interval":
		tickerDuration = time.Duration(r.job.Schedule.IntervalMs) * time.Millisecond
	case "cron":
		// Cron schedules are checked every minute.
		tickerDuration = 1 * time.Minute
	}

	ticker := time.NewTicker(tickerDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopped (context cancelled)")
			return
		case <-r.stopCh:
			r.logger.Info("job runner stopped")
			return
		case now := <-ticker.C:
			due := r.job.nextRunAt()
			shouldRun := r.job.Schedule.Kind == "interval" ||
				now.After(due) || now.Equal(due)
			if !shouldRun {
				continue
			}

			r.executeJob(ctx)

			nextRun, err := r.job.NextRun(time.Now())
			if err != nil {
				r.logger.Error("failed to calculate next run", "error", err)
			} else {
				r.job.setNextRun(nextRun)
			}
		}
	}
}

// Stop stops the job runner and waits for it to exit.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// executeJob runs the job once, skipping if a previous run is in flight.
func (r *JobRunner) executeJob(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		r.logger.Warn("previous run still in flight, skipping tick")
		return
	}
	defer r.running.Store(false)

	start := time.Now()
	err := r.executor.RunTask(ctx, r.job.Task)
	duration := time.Since(start)

	r.job.recordRun(duration, err)

	if err != nil {
		r.logger.Error("job failed",
			"task", r.job.Task,
			"error", err,
			"duration", duration,
			"error_count", r.job.snapshotState().ErrorCount)
	} else {
		r.logger.Debug("job completed", "task", r.job.Task, "duration", duration)
	}
}

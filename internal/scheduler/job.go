// Package scheduler drives the periodic maintenance work of the tuning
// loop: telemetry flushes, effectiveness recomputes and autopilot ticks.
// Jobs run on an interval or a cron expression and are dispatched by task
// name to an Executor.
package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task names dispatched to the Executor.
const (
	TaskFlushTelemetry = "flush_telemetry"
	TaskFlushFeedback  = "flush_feedback"
	TaskSummarize      = "summarize"
	TaskAutopilotTick  = "autopilot_tick"
)

// Job is one scheduled task. State is written by the job's runner
// goroutine and read by scheduler stats, so it is guarded by mu; the
// definition fields are immutable once registered.
type Job struct {
	ID       string         `json:"id"`
	Task     string         `json:"task"`
	Schedule ScheduleConfig `json:"schedule"`
	Enabled  bool           `json:"enabled"`
	State    JobState       `json:"state"`

	mu sync.Mutex
}

// ScheduleConfig defines when a job runs.
type ScheduleConfig struct {
	Kind       string `json:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"`
}

// JobState tracks execution history.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks the job definition.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Task == "" {
		return fmt.Errorf("job task required")
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("intervalMs must be positive")
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("cron expression required")
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s (use interval or cron)", j.Schedule.Kind)
	}

	return nil
}

// NextRun calculates the next run time from the schedule.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(time.Duration(j.Schedule.IntervalMs) * time.Millisecond), nil
	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
	}
}

// Clone creates a deep copy of the job.
func (j *Job) Clone() *Job {
	j.mu.Lock()
	data, _ := json.Marshal(j)
	j.mu.Unlock()
	var clone Job
	json.Unmarshal(data, &clone)
	return &clone
}

// recordRun folds one execution's outcome into the job state.
func (j *Job) recordRun(duration time.Duration, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.State.LastRunAt = time.Now()
	j.State.LastDuration = duration
	j.State.RunCount++
	if err != nil {
		j.State.ErrorCount++
		j.State.LastError = err.Error()
	} else {
		j.State.LastError = ""
	}
}

// snapshotState returns a consistent copy for readers outside the runner
// goroutine.
func (j *Job) snapshotState() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State
}

func (j *Job) setNextRun(t time.Time) {
	j.mu.Lock()
	j.State.NextRunAt = t
	j.mu.Unlock()
}

func (j *Job) nextRunAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.State.NextRunAt
}

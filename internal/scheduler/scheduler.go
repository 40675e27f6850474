// Package scheduler runs a periodic task with bounded failure tolerance
// and cooperative stop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// maxConsecutiveFailures is how many task failures in a row the scheduler
// tolerates before giving up.
const maxConsecutiveFailures = 3

// Task is one scheduled unit of work. Returning false requests an
// intentional stop; an error counts toward the failure tolerance.
type Task func(ctx context.Context) (bool, error)

// Scheduler runs its task at a fixed interval. Shutdown via context
// cancellation waits for the in-flight task to finish.
type Scheduler struct {
	name           string
	interval       time.Duration
	task           Task
	cbAfterFailure func()
	logger         *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStopCallback registers a callback invoked exactly once when the task
// requests an intentional stop.
func WithStopCallback(cb func()) Option {
	return func(s *Scheduler) { s.cbAfterFailure = cb }
}

// New creates a scheduler for the named task.
func New(name string, interval time.Duration, task Task, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		name:     name,
		interval: interval,
		task:     task,
		logger:   logger.With("scheduler", name),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes the task loop until the context is canceled, the task
// requests a stop, or too many consecutive failures occur. Only the
// failure case returns a non-nil error.
func (s *Scheduler) Run(ctx context.Context) error {
	failures := 0
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		keepGoing, err := s.task(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.logger.Error("task failed", "consecutive_failures", failures, "error", err)
			if failures >= maxConsecutiveFailures {
				return fmt.Errorf("scheduler %s: %d consecutive failures: %w", s.name, failures, err)
			}
			// Exponential delay before the next run
			timer.Reset(s.interval << failures)
			continue
		case !keepGoing:
			s.logger.Info("task requested stop")
			if s.cbAfterFailure != nil {
				s.cbAfterFailure()
			}
			return nil
		default:
			failures = 0
		}

		timer.Reset(s.interval)
	}
}

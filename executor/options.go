package executor

import (
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/cron"
)

// Option customizes an Executor.
type Option func(*Executor)

func WithLogger(logger rollout.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithTenantLock(lock TenantLock) Option {
	return func(e *Executor) { e.lock = lock }
}

func WithMetrics(m Metrics) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithPublisher sets where lifecycle events go. Publishing is fail-open:
// errors are logged and counted, never returned.
func WithPublisher(p EventPublisher) Option {
	return func(e *Executor) { e.publisher = p }
}

func WithSequencer(s Sequencer) Option {
	return func(e *Executor) {
		if s != nil {
			e.sequencer = s
		}
	}
}

func WithPreparer(p *Preparer) Option {
	return func(e *Executor) {
		if p != nil {
			e.preparer = p
		}
	}
}

// WithHeartbeat emits a progress event every interval while the run is
// active. Zero disables it.
func WithHeartbeat(interval time.Duration) Option {
	return func(e *Executor) { e.heartbeatInterval = interval }
}

// WithScheduler shares a cron scheduler for heartbeats. Without one each run
// starts and stops its own.
func WithScheduler(s *cron.Scheduler) Option {
	return func(e *Executor) { e.scheduler = s }
}

// WithCompensateFailedStage runs the failed stage's rollback hooks before
// the task is marked failed, undoing its partial effects.
func WithCompensateFailedStage(enabled bool) Option {
	return func(e *Executor) { e.compensateFailed = enabled }
}

// WithActiveCounter shares the tasks_active counter between executors.
func WithActiveCounter(c *ActiveCounter) Option {
	return func(e *Executor) {
		if c != nil {
			e.active = c
		}
	}
}

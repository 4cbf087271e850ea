package cron

import (
	"time"

	rollout "github.com/goliatone/go-rollout"
)

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// WithLogger receives scheduler diagnostics and failed runs.
func WithLogger(logger rollout.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithErrorHandler is called with the error of every failed run.
func WithErrorHandler(handler func(error)) Option {
	return func(s *Scheduler) { s.errorHandler = handler }
}

// WithSeconds accepts a leading seconds field in cron expressions.
func WithSeconds() Option {
	return func(s *Scheduler) { s.seconds = true }
}

// cronLogger feeds robfig/cron diagnostics into a rollout.Logger. Its info
// output is per tick, so it goes to trace.
type cronLogger struct {
	logger rollout.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Trace("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

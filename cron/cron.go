package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	rcron "github.com/robfig/cron/v3"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/runner"
)

const ErrCodeInvalidSchedule = "CRON_INVALID_SCHEDULE"

// ErrInvalidSchedule is returned for a bad interval, expression or job.
var ErrInvalidSchedule = errors.New("invalid schedule", errors.CategoryBadInput).
	WithTextCode(ErrCodeInvalidSchedule)

// JobFunc is the unit of scheduled work.
type JobFunc func(ctx context.Context) error

// JobConfig controls a single firing of a job.
type JobConfig struct {
	// Name identifies the job in logs.
	Name       string
	MaxRetries int
	Timeout    time.Duration
}

// Scheduler runs recurring jobs on top of robfig/cron. A tick that fires
// while the previous run of the same job is still going is skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *rcron.Cron
	started bool

	location     *time.Location
	logger       rollout.Logger
	errorHandler func(error)
	seconds      bool

	nextID  int64
	handles map[int64]*handle
}

// NewScheduler creates a scheduler; it does not fire until Start.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   rollout.NopLogger{},
		handles:  make(map[int64]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = rcron.New(s.cronOptions()...)
	return s
}

// Every schedules job at a fixed interval. robfig/cron rounds the interval
// down to whole seconds with a one second minimum.
func (s *Scheduler) Every(interval time.Duration, cfg JobConfig, job JobFunc) (Handle, error) {
	if interval <= 0 {
		return nil, invalidSchedule(fmt.Sprintf("interval must be positive, got %s", interval), cfg)
	}
	if job == nil {
		return nil, invalidSchedule("job is required", cfg)
	}
	h := s.newHandle(cfg)
	id := s.cron.Schedule(rcron.Every(interval), s.wrap(h, job))
	h.setEntry(id)
	return h, nil
}

// Cron schedules job by expression. Descriptors such as "@every 10s" are
// accepted; a seconds field is only accepted WithSeconds.
func (s *Scheduler) Cron(expr string, cfg JobConfig, job JobFunc) (Handle, error) {
	if expr == "" {
		return nil, invalidSchedule("cron expression is required", cfg)
	}
	if job == nil {
		return nil, invalidSchedule("job is required", cfg)
	}
	h := s.newHandle(cfg)
	id, err := s.cron.AddJob(expr, s.wrap(h, job))
	if err != nil {
		s.forget(h.id)
		return nil, rollout.CloneError(ErrInvalidSchedule, "parse cron expression", err,
			map[string]any{"expression": expr, "job": cfg.Name})
	}
	h.setEntry(id)
	return h, nil
}

// Start begins firing jobs. Calling it again is a no-op.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		s.cron.Start()
	}
	return nil
}

// Stop halts the scheduler and waits for running jobs or ctx. Every handle
// that was still active ends STOPPED.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasStarted := s.started
	s.started = false
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*handle)
	s.mu.Unlock()

	if wasStarted {
		done := s.cron.Stop()
		if ctx == nil {
			ctx = context.Background()
		}
		select {
		case <-done.Done():
		case <-ctx.Done():
		}
	}
	for _, h := range handles {
		s.cron.Remove(h.entry())
		h.finish(StatusStopped)
	}
	return nil
}

// Len reports the number of active handles.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Scheduler) wrap(h *handle, job JobFunc) rcron.Job {
	opts := []runner.Option{
		runner.WithMaxRetries(h.cfg.MaxRetries),
		runner.WithLogger(s.logger),
	}
	if h.cfg.Timeout > 0 {
		opts = append(opts, runner.WithTimeout(h.cfg.Timeout))
	}
	r := runner.NewHandler(opts...)

	return rcron.FuncJob(func() {
		if !h.begin() {
			return
		}
		err := r.Run(context.Background(), func(ctx context.Context, _ int) error {
			return job(ctx)
		})
		if err != nil {
			s.logger.Warn("scheduled job failed", "job", h.cfg.Name, "runs", h.Runs(), "error", err)
			if s.errorHandler != nil {
				s.errorHandler(err)
			}
		}
		h.end(err)
	})
}

func (s *Scheduler) newHandle(cfg JobConfig) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h := &handle{
		scheduler: s,
		id:        s.nextID,
		cfg:       cfg,
		status:    StatusScheduled,
		done:      make(chan struct{}),
	}
	s.handles[h.id] = h
	return h
}

func (s *Scheduler) cancel(h *handle) {
	s.forget(h.id)
	s.cron.Remove(h.entry())
}

func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

func (s *Scheduler) cronOptions() []rcron.Option {
	log := cronLogger{logger: s.logger}
	opts := []rcron.Option{
		rcron.WithLogger(log),
		rcron.WithChain(rcron.Recover(log), rcron.SkipIfStillRunning(log)),
	}
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}
	if s.seconds {
		opts = append(opts, rcron.WithSeconds())
	}
	return opts
}

func invalidSchedule(msg string, cfg JobConfig) error {
	var meta map[string]any
	if cfg.Name != "" {
		meta = map[string]any{"job": cfg.Name}
	}
	return rollout.CloneError(ErrInvalidSchedule, msg, nil, meta)
}

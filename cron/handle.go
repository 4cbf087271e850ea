package cron

import (
	"sync"
	"sync/atomic"

	rcron "github.com/robfig/cron/v3"
)

// Status is the lifecycle state of a scheduled job.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusIdle      Status = "idle"
	StatusCanceled  Status = "canceled"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the job will never fire again.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusStopped
}

// Handle controls one scheduled job. A failed run is reported through Err
// but does not unschedule the job.
type Handle interface {
	ID() int64
	Runs() int64
	Status() Status
	Err() error
	Cancel()
	Done() <-chan struct{}
}

type handle struct {
	scheduler *Scheduler
	id        int64
	cfg       JobConfig
	runs      atomic.Int64
	done      chan struct{}
	once      sync.Once

	mu      sync.RWMutex
	entryID rcron.EntryID
	status  Status
	err     error
}

func (h *handle) ID() int64   { return h.id }
func (h *handle) Runs() int64 { return h.runs.Load() }

func (h *handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// Err returns the error of the last run.
func (h *handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Cancel() {
	if h.Status().Terminal() {
		return
	}
	h.scheduler.cancel(h)
	h.finish(StatusCanceled)
}

func (h *handle) begin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.Terminal() {
		return false
	}
	h.status = StatusRunning
	h.runs.Add(1)
	return true
}

func (h *handle) end(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
	if !h.status.Terminal() {
		h.status = StatusIdle
	}
}

func (h *handle) finish(status Status) {
	h.mu.Lock()
	if !h.status.Terminal() {
		h.status = status
	}
	h.mu.Unlock()
	h.once.Do(func() { close(h.done) })
}

func (h *handle) setEntry(id rcron.EntryID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entryID = id
}

func (h *handle) entry() rcron.EntryID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entryID
}

package stage

import (
	"context"
	"fmt"
	"time"

	rollout "github.com/goliatone/go-rollout"
)

// StepResult is the outcome of one step. A nil Failure means success.
type StepResult struct {
	Failure *rollout.FailureInfo
}

func Ok() StepResult { return StepResult{} }

func Fail(info *rollout.FailureInfo) StepResult {
	if info == nil {
		info = rollout.NewFailure(rollout.ErrorTypeSystem, "step failed")
	}
	return StepResult{Failure: info}
}

// Failf builds a failed result with a formatted message.
func Failf(t rollout.ErrorType, format string, args ...any) StepResult {
	return Fail(rollout.Failuref(t, format, args...))
}

func (r StepResult) OK() bool { return r.Failure == nil }

// Step is the smallest unit of work in a stage. Steps exchange data through
// the RuntimeContext scratch space and know nothing about tasks or stages.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RuntimeContext) StepResult
}

// Compensator is implemented by steps whose effects can be undone.
// Compensation must be idempotent: it may run for a step that never
// executed in this process.
type Compensator interface {
	Compensate(ctx context.Context, rc *RuntimeContext) StepResult
}

// StageResult is the outcome of running or rolling back a stage.
type StageResult struct {
	StageName string
	Success   bool
	Skipped   bool
	Duration  time.Duration
	StepsRun  int
	Failure   *rollout.FailureInfo
}

// Stage is a named, ordered phase of a rollout.
type Stage interface {
	Name() string
	Steps() []Step
	CanSkip(rc *RuntimeContext) bool
	Execute(ctx context.Context, rc *RuntimeContext) StageResult
	Rollback(ctx context.Context, rc *RuntimeContext) StageResult
}

// Names lists stage names in order.
func Names(stages []Stage) []string {
	out := make([]string, 0, len(stages))
	for _, s := range stages {
		out = append(out, s.Name())
	}
	return out
}

// IndexOf returns the position of the named stage, or -1.
func IndexOf(stages []Stage, name string) int {
	for i, s := range stages {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

// StartIndexAfter returns the index following the named stage. An unknown
// name is an invalid checkpoint.
func StartIndexAfter(stages []Stage, name string) (int, error) {
	idx := IndexOf(stages, name)
	if idx < 0 {
		return -1, rollout.CloneError(rollout.ErrInvalidCheckpoint,
			fmt.Sprintf("stage %q not found", name), nil,
			map[string]any{"stage": name, "stages": Names(stages)})
	}
	return idx + 1, nil
}

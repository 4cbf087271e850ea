package stage

import (
	"context"
	"fmt"
	"sync"
	"time"

	rollout "github.com/goliatone/go-rollout"
)

// SkipCondition decides whether a stage has nothing to do for a context.
type SkipCondition interface {
	ShouldSkip(rc *RuntimeContext) bool
}

// SkipInMode skips the stage for the listed execution modes.
type SkipInMode []ExecutionMode

func (m SkipInMode) ShouldSkip(rc *RuntimeContext) bool {
	mode := rc.Mode()
	for _, candidate := range m {
		if candidate == mode {
			return true
		}
	}
	return false
}

// CompositeOption customizes a CompositeStage.
type CompositeOption func(*CompositeStage)

// WithSkipCondition attaches a skip condition.
func WithSkipCondition(cond SkipCondition) CompositeOption {
	return func(c *CompositeStage) {
		c.skip = cond
	}
}

// WithStageClock overrides time.Now, for tests.
func WithStageClock(now func() time.Time) CompositeOption {
	return func(c *CompositeStage) {
		if now != nil {
			c.now = now
		}
	}
}

// CompositeStage runs its steps serially and stops at the first failure.
type CompositeStage struct {
	name  string
	steps []Step
	skip  SkipCondition
	now   func() time.Time

	mu        sync.Mutex
	attempted int
}

// NewCompositeStage builds a stage from steps.
func NewCompositeStage(name string, steps []Step, opts ...CompositeOption) *CompositeStage {
	c := &CompositeStage{
		name:      name,
		steps:     append([]Step(nil), steps...),
		now:       time.Now,
		attempted: -1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *CompositeStage) Name() string { return c.name }

func (c *CompositeStage) Steps() []Step { return append([]Step(nil), c.steps...) }

func (c *CompositeStage) CanSkip(rc *RuntimeContext) bool {
	return c.skip != nil && c.skip.ShouldSkip(rc)
}

// Execute runs every step in order. A panicking step is reported as a
// SYSTEM_ERROR failure of the stage.
func (c *CompositeStage) Execute(ctx context.Context, rc *RuntimeContext) StageResult {
	started := c.now()
	result := StageResult{StageName: c.name}

	if c.CanSkip(rc) {
		result.Success = true
		result.Skipped = true
		return result
	}

	logger := rc.Logger()
	for i, step := range c.steps {
		c.markAttempted(i + 1)
		res := c.runStep(ctx, rc, step)
		result.StepsRun = i + 1
		if !res.OK() {
			result.Failure = res.Failure.WithStage(c.name).WithMetadata(map[string]any{
				"step":       step.Name(),
				"step_index": i,
			})
			result.Duration = c.now().Sub(started)
			logger.Warn("step failed", "step", step.Name(), "error", result.Failure.Error())
			return result
		}
		logger.Debug("step completed", "step", step.Name())
	}

	result.Success = true
	result.Duration = c.now().Sub(started)
	return result
}

// Rollback compensates, in reverse order, the steps attempted by the last
// Execute call, or every step when this instance never ran. Compensation
// keeps going after a failure and reports the first one.
func (c *CompositeStage) Rollback(ctx context.Context, rc *RuntimeContext) StageResult {
	started := c.now()
	result := StageResult{StageName: c.name, Success: true}

	upto := c.attemptedSteps()
	if upto < 0 || upto > len(c.steps) {
		upto = len(c.steps)
	}

	logger := rc.Logger()
	for i := upto - 1; i >= 0; i-- {
		step := c.steps[i]
		comp, ok := step.(Compensator)
		if !ok {
			continue
		}
		result.StepsRun++

		var res StepResult
		if failure := rollout.Guard(c.funcName(step, "compensate"), func() {
			res = comp.Compensate(ctx, rc)
		}); failure != nil {
			res = Fail(failure)
		}
		if !res.OK() {
			logger.Warn("compensation failed", "step", step.Name(), "error", res.Failure.Error())
			if result.Failure == nil {
				result.Success = false
				result.Failure = res.Failure.WithStage(c.name).WithMetadata(map[string]any{
					"step":       step.Name(),
					"step_index": i,
					"phase":      "compensate",
				})
			}
		}
	}

	result.Duration = c.now().Sub(started)
	return result
}

func (c *CompositeStage) runStep(ctx context.Context, rc *RuntimeContext, step Step) (res StepResult) {
	if failure := rollout.Guard(c.funcName(step, "execute"), func() {
		res = step.Execute(ctx, rc)
	}); failure != nil {
		return Fail(failure)
	}
	return res
}

func (c *CompositeStage) funcName(step Step, phase string) string {
	return fmt.Sprintf("%s/%s.%s", c.name, step.Name(), phase)
}

func (c *CompositeStage) markAttempted(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempted = n
}

func (c *CompositeStage) attemptedSteps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempted
}

// ReversePass rolls stages back from last to first. It does not stop on a
// failed rollback; every result is returned together with the first failure.
func ReversePass(ctx context.Context, rc *RuntimeContext, stages ...Stage) ([]StageResult, *rollout.FailureInfo) {
	results := make([]StageResult, 0, len(stages))
	var first *rollout.FailureInfo
	for i := len(stages) - 1; i >= 0; i-- {
		s := stages[i]
		rc.InjectStage(s.Name())
		var res StageResult
		if failure := rollout.Guard(s.Name()+".rollback", func() {
			res = s.Rollback(ctx, rc)
		}); failure != nil {
			res = StageResult{StageName: s.Name(), Failure: failure.WithStage(s.Name())}
		}
		results = append(results, res)
		if !res.Success && first == nil {
			first = res.Failure
			if first == nil {
				first = rollout.NewFailure(rollout.ErrorTypeSystem, "rollback failed").WithStage(s.Name())
			}
		}
	}
	rc.ClearStage()
	return results, first
}

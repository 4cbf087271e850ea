package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/cron"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
)

// ActiveCounter tracks how many executions are in flight.
type ActiveCounter struct {
	n atomic.Int64
}

func (c *ActiveCounter) Load() int64 { return c.n.Load() }

func (c *ActiveCounter) add(delta int64) int64 { return c.n.Add(delta) }

var defaultActive = &ActiveCounter{}

// Executor drives one task through its execution range. It owns nothing it
// is given: the task, stages and runtime context belong to the caller and
// nothing is persisted here.
type Executor struct {
	task *task.Task
	rc   *stage.RuntimeContext
	deps Dependencies

	preparer  *Preparer
	lock      TenantLock
	metrics   Metrics
	publisher EventPublisher
	sequencer Sequencer
	logger    rollout.Logger
	active    *ActiveCounter

	heartbeatInterval time.Duration
	scheduler         *cron.Scheduler
	compensateFailed  bool
	now               func() time.Time

	publishMu sync.Mutex

	mu           sync.RWMutex
	currentStage string
	completed    []string
}

// New builds an executor for t. The runtime context carries the control
// flags the caller uses to pause, cancel, retry or roll back.
func New(t *task.Task, rc *stage.RuntimeContext, deps Dependencies, opts ...Option) *Executor {
	if rc == nil {
		rc = stage.NewRuntimeContext(nil)
	}
	e := &Executor{
		task:      t,
		rc:        rc,
		deps:      deps,
		preparer:  NewPreparer(),
		metrics:   NoopMetrics{},
		sequencer: NewMemorySequencer(),
		active:    defaultActive,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Task returns the task being executed.
func (e *Executor) Task() *task.Task { return e.task }

// RuntimeContext returns the context shared with the stages.
func (e *Executor) RuntimeContext() *stage.RuntimeContext { return e.rc }

// CurrentStageName is the stage being executed, or "" between runs.
func (e *Executor) CurrentStageName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentStage
}

// CompletedStageCount counts the stages completed by the current run.
func (e *Executor) CompletedStageCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.completed)
}

// CompletedStages copies the names completed by the current run.
func (e *Executor) CompletedStages() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string{}, e.completed...)
}

func (e *Executor) setCurrent(name string) {
	e.mu.Lock()
	e.currentStage = name
	e.mu.Unlock()
}

func (e *Executor) appendCompleted(name string) {
	e.mu.Lock()
	e.completed = append(e.completed, name)
	e.mu.Unlock()
}

func (e *Executor) resetRun() {
	e.mu.Lock()
	e.currentStage = ""
	e.completed = nil
	e.mu.Unlock()
}

func (e *Executor) log() rollout.Logger {
	if e.logger != nil {
		return rollout.WithFields(e.logger, e.rc.Tags())
	}
	return e.rc.Logger()
}

func (e *Executor) tags() map[string]string {
	return map[string]string{"tenant_id": e.task.TenantID()}
}

// Execute runs the task once: prepare, walk the range, stop at the first
// failure or at a pause or cancel request seen after a successful stage.
// Only a RUNNING task pauses; a rollback runs to the end of its range.
// Control flags still set when the task settles are dropped.
// It never panics and never returns an error; the outcome is in the result
// and in the published events.
func (e *Executor) Execute(ctx context.Context) (result TaskResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := e.now()
	t := e.task

	e.resetRun()
	e.rc.InjectTask(t.ID(), t.PlanID(), t.TenantID())
	e.metrics.SetGauge(MetricTasksActive, float64(e.active.add(1)), nil)

	var hb *heartbeat
	defer func() {
		if value := recover(); value != nil {
			failure := rollout.FailureFromPanic("executor.Execute", value, rollout.CaptureStack())
			e.log().Error("task execution panicked", "error", failure.Message)
			e.bestEffortFail(failure)
			result = e.result(started, failure)
		}
		hb.stop()
		e.flush(ctx)
		if e.task.Status().IsTerminal() {
			e.rc.ClearPause()
			e.rc.ClearCancel()
		}
		e.releaseIfTerminal(ctx)
		e.rc.ClearTags()
		e.setCurrent("")
		e.metrics.SetGauge(MetricTasksActive, float64(e.active.add(-1)), nil)
	}()

	prep, failure := e.preparer.Prepare(t, e.rc, e.deps)
	if failure != nil {
		e.log().Warn("task preparation failed", "error", failure.Message)
		e.metrics.IncrementCounter(MetricPreparationFail, e.tags())
		e.bestEffortFail(failure)
		return e.result(started, failure)
	}
	e.metrics.IncrementCounter(MetricTaskStarted, e.tags())
	e.log().Info("task started", "mode", string(prep.Intent), "range", prep.Range.String())
	e.flush(ctx)

	hb = e.startHeartbeat(ctx)
	return e.run(ctx, prep, started)
}

func (e *Executor) run(ctx context.Context, prep Preparation, started time.Time) TaskResult {
	t := e.task
	total := t.Progress().TotalStages
	start := prep.Range.EffectiveStartIndex(total)
	end := prep.Range.EffectiveEndIndex(total)

	for i := start; i < end; i++ {
		st := prep.Stages[i]
		name := st.Name()

		e.rc.InjectStage(name)
		e.setCurrent(name)
		t.MarkStageStarted(name, i)
		e.flush(ctx)
		e.log().Info("stage started", "stage_index", i)

		res := e.executeStage(ctx, st)
		if !res.Success {
			return e.stageFailed(ctx, st, i, res, started)
		}

		if err := t.CompleteStage(name, res.Duration); err != nil {
			failure := rollout.FailureFromError(err, rollout.ErrorTypeSystem).WithStage(name)
			e.log().Error("stage completion rejected", "error", err)
			e.bestEffortFail(failure)
			return e.result(started, failure)
		}
		e.appendCompleted(name)
		e.metrics.IncrementCounter(MetricStageSucceeded, e.tags())
		e.log().Info("stage completed", "stage_index", i, "duration_ms", res.Duration.Milliseconds(), "skipped", res.Skipped)
		e.rc.ClearStage()
		e.setCurrent("")
		e.flush(ctx)

		if t.Status().IsTerminal() {
			break
		}
		if e.rc.IsCancelRequested() || ctx.Err() != nil {
			return e.cancel(started)
		}
		if e.rc.IsPauseRequested() {
			if t.Status() == task.StatusRunning {
				return e.pause(started)
			}
			e.rc.ClearPause()
			e.log().Warn("pause ignored", "status", string(t.Status()))
		}
	}

	if err := t.FinishRange(); err != nil {
		failure := rollout.FailureFromError(err, rollout.ErrorTypeSystem)
		e.log().Error("range completion rejected", "error", err)
		e.bestEffortFail(failure)
		return e.result(started, failure)
	}

	switch t.Status() {
	case task.StatusRolledBack:
		e.metrics.IncrementCounter(MetricTaskRolledBack, e.tags())
		e.log().Info("task rolled back", "completed", e.CompletedStageCount())
	default:
		e.metrics.IncrementCounter(MetricTaskCompleted, e.tags())
		e.log().Info("task completed", "completed", e.CompletedStageCount())
	}
	return e.result(started, nil)
}

// executeStage converts a panicking stage into a SYSTEM_ERROR result.
func (e *Executor) executeStage(ctx context.Context, st stage.Stage) stage.StageResult {
	var res stage.StageResult
	if failure := rollout.Guard("stage."+st.Name(), func() {
		res = st.Execute(ctx, e.rc)
	}); failure != nil {
		return stage.StageResult{StageName: st.Name(), Failure: failure.WithStage(st.Name())}
	}
	if !res.Success && res.Failure == nil {
		res.Failure = rollout.Failuref(rollout.ErrorTypeSystem, "stage %s failed without failure info", st.Name())
	}
	return res
}

func (e *Executor) stageFailed(ctx context.Context, st stage.Stage, index int, res stage.StageResult, started time.Time) TaskResult {
	failure := res.Failure.WithStage(st.Name())
	e.metrics.IncrementCounter(MetricStageFailed, e.tags())
	e.log().Warn("stage failed", "stage_index", index, "error_type", string(failure.Type), "error", failure.Message)

	if e.compensateFailed {
		_, compFailure := stage.ReversePass(ctx, e.rc, st)
		if compFailure != nil {
			e.log().Error("stage compensation failed", "error", compFailure.Message)
			failure = failure.WithMetadata(map[string]any{"compensation_error": compFailure.Message})
		} else {
			failure = failure.WithMetadata(map[string]any{"compensated": true})
		}
	}

	if err := e.task.FailStage(st.Name(), index, failure); err != nil {
		e.log().Warn("task not marked failed", "error", err)
	}
	e.metrics.IncrementCounter(MetricTaskFailed, e.tags())
	e.rc.ClearStage()
	return e.result(started, failure)
}

func (e *Executor) pause(started time.Time) TaskResult {
	if err := e.task.PauseTask(); err != nil {
		e.log().Warn("pause rejected", "error", err)
	}
	e.rc.ClearPause()
	e.metrics.IncrementCounter(MetricTaskPaused, e.tags())
	e.log().Info("task paused", "completed", e.CompletedStageCount())
	return e.result(started, nil)
}

func (e *Executor) cancel(started time.Time) TaskResult {
	if err := e.task.Cancel(); err != nil {
		e.log().Warn("cancel rejected", "error", err)
	}
	e.metrics.IncrementCounter(MetricTaskCancelled, e.tags())
	e.log().Info("task cancelled", "completed", e.CompletedStageCount())
	return e.result(started, nil)
}

// bestEffortFail marks the task failed. The task may already be terminal,
// so an illegal transition is logged and dropped.
func (e *Executor) bestEffortFail(failure *rollout.FailureInfo) {
	if err := e.task.FailTask(failure); err != nil {
		if task.IsIllegalTransition(err) {
			e.log().Warn("task already settled", "status", string(e.task.Status()), "error", err)
			return
		}
		e.log().Error("task not marked failed", "error", err)
	}
}

func (e *Executor) releaseIfTerminal(ctx context.Context) {
	if e.lock == nil || !e.task.Status().IsTerminal() {
		return
	}
	if err := e.lock.Release(context.WithoutCancel(ctx), e.task.TenantID(), e.task.ID()); err != nil {
		e.log().Warn("tenant lock not released", "error", err)
	}
}

// flush publishes the events recorded by the task since the last flush.
func (e *Executor) flush(ctx context.Context) {
	for _, evt := range e.task.PullEvents() {
		e.publish(ctx, evt)
	}
}

func (e *Executor) publish(ctx context.Context, evt task.Event) {
	if e.publisher == nil {
		return
	}
	// the stage loop and the heartbeat both publish; sequence ids must
	// reach the publisher in order
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	evt.SequenceID = e.sequencer.Next(evt.TaskID)
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.metrics.IncrementCounter(MetricEventsDropped, e.tags())
		e.log().Warn("event not published", "event", string(evt.Type), "sequence_id", evt.SequenceID, "error", err)
	}
}

func (e *Executor) result(started time.Time, failure *rollout.FailureInfo) TaskResult {
	snap := e.task.Snapshot()
	r := TaskResult{
		TaskID:          snap.ID,
		FinalStatus:     snap.Status,
		Duration:        e.now().Sub(started),
		CompletedStages: e.CompletedStages(),
	}
	if failure == nil {
		switch snap.Status {
		case task.StatusFailed, task.StatusRollbackFailed, task.StatusValidationFailed:
			failure = snap.LastFailure
		}
	}
	if failure != nil {
		r.Failure = failure.Clone()
		r.FailureMessage = failure.Message
	}
	return r
}

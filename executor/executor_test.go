package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
	"github.com/goliatone/go-rollout/tenantlock"
)

type fakeStage struct {
	name      string
	run       func(ctx context.Context, rc *stage.RuntimeContext) stage.StageResult
	rollback  func() stage.StageResult
	ran       *[]string
	rollbacks int
	mu        sync.Mutex
}

func (f *fakeStage) Name() string                       { return f.name }
func (f *fakeStage) Steps() []stage.Step                { return nil }
func (f *fakeStage) CanSkip(*stage.RuntimeContext) bool { return false }

func (f *fakeStage) Execute(ctx context.Context, rc *stage.RuntimeContext) stage.StageResult {
	if f.ran != nil {
		*f.ran = append(*f.ran, f.name)
	}
	if f.run != nil {
		return f.run(ctx, rc)
	}
	return stage.StageResult{StageName: f.name, Success: true, Duration: time.Millisecond}
}

func (f *fakeStage) Rollback(context.Context, *stage.RuntimeContext) stage.StageResult {
	f.mu.Lock()
	f.rollbacks++
	f.mu.Unlock()
	if f.rollback != nil {
		return f.rollback()
	}
	return stage.StageResult{StageName: f.name, Success: true}
}

func failWith(t rollout.ErrorType, msg string) func(context.Context, *stage.RuntimeContext) stage.StageResult {
	return func(context.Context, *stage.RuntimeContext) stage.StageResult {
		return stage.StageResult{Failure: rollout.NewFailure(t, msg)}
	}
}

type fixture struct {
	task      *task.Task
	rc        *stage.RuntimeContext
	stages    []*fakeStage
	ran       []string
	publisher *MemoryPublisher
	metrics   *MemoryMetrics
	lock      *tenantlock.Memory
}

func newFixture(t *testing.T, names []string, opts ...task.Option) *fixture {
	t.Helper()
	tk, err := task.New("task-1", "plan-1", "acme", len(names), opts...)
	require.NoError(t, err)

	f := &fixture{
		task:      tk,
		rc:        stage.NewRuntimeContext(rollout.NopLogger{}),
		publisher: &MemoryPublisher{},
		metrics:   NewMemoryMetrics(),
		lock:      tenantlock.NewMemory(),
	}
	for _, name := range names {
		f.stages = append(f.stages, &fakeStage{name: name, ran: &f.ran})
	}
	return f
}

func (f *fixture) deps() Dependencies {
	stages := make([]stage.Stage, 0, len(f.stages))
	for _, s := range f.stages {
		stages = append(stages, s)
	}
	return Dependencies{Stages: stages}
}

func (f *fixture) executor(opts ...Option) *Executor {
	base := []Option{
		WithPublisher(f.publisher),
		WithMetrics(f.metrics),
		WithTenantLock(f.lock),
		WithActiveCounter(&ActiveCounter{}),
	}
	return New(f.task, f.rc, f.deps(), append(base, opts...)...)
}

func (f *fixture) acquire(t *testing.T) {
	t.Helper()
	ok, err := f.lock.TryAcquire(context.Background(), f.task.TenantID(), f.task.ID())
	require.NoError(t, err)
	require.True(t, ok)
}

func TestExecuteCompletesEveryStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.acquire(t)

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"s1", "s2", "s3"}, res.CompletedStages)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.ran)
	assert.Equal(t, task.ExecutionRange{StartIndex: 0, EndIndex: 3}, f.task.Range())
	assert.Equal(t, 2, f.task.Progress().LastCompletedIndex)

	_, hasDuration := f.task.Duration()
	assert.True(t, hasDuration)

	assert.Equal(t, []task.EventType{
		task.EventStarted,
		task.EventStageStarted, task.EventStageCompleted,
		task.EventStageStarted, task.EventStageCompleted,
		task.EventStageStarted, task.EventStageCompleted,
		task.EventCompleted,
	}, f.publisher.Types())

	assert.EqualValues(t, 1, f.metrics.Counter(MetricTaskStarted))
	assert.EqualValues(t, 3, f.metrics.Counter(MetricStageSucceeded))
	assert.EqualValues(t, 1, f.metrics.Counter(MetricTaskCompleted))
	assert.Zero(t, f.metrics.Gauge(MetricTasksActive))

	_, held := f.lock.Holder("acme")
	assert.False(t, held, "terminal task releases the tenant lock")
	assert.Empty(t, f.rc.Tags())
}

func TestExecuteEventSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.executor().Execute(context.Background())

	events := f.publisher.Events()
	require.NotEmpty(t, events)
	for i, evt := range events {
		assert.EqualValues(t, i+1, evt.SequenceID)
		assert.Equal(t, "task-1", evt.TaskID)
		assert.Equal(t, "plan-1", evt.PlanID)
		assert.Equal(t, "acme", evt.TenantID)
	}
}

func TestConcurrentPublishersDeliverInSequenceOrder(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	exec := f.executor()
	exec.setCurrent("s1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			exec.beat(context.Background())
		}()
		go func() {
			defer wg.Done()
			exec.publish(context.Background(), f.task.ProgressEvent("s1"))
		}()
	}
	wg.Wait()

	events := f.publisher.Events()
	require.Len(t, events, 40)
	for i, evt := range events {
		assert.EqualValues(t, i+1, evt.SequenceID)
	}
}

func TestExecuteHaltsOnFirstFailure(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[1].run = failWith(rollout.ErrorTypeBusiness, "portal rejected config")
	f.acquire(t)

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusFailed, res.FinalStatus)
	assert.False(t, res.Succeeded())
	assert.Equal(t, []string{"s1"}, res.CompletedStages)
	assert.Equal(t, []string{"s1", "s2"}, f.ran)
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeBusiness, res.Failure.Type)
	assert.Equal(t, "s2", res.Failure.StageName)
	assert.Equal(t, "portal rejected config", res.FailureMessage)

	assert.Contains(t, f.publisher.Types(), task.EventStageFailed)
	assert.Equal(t, task.EventFailed, f.publisher.Types()[len(f.publisher.Types())-1])
	assert.EqualValues(t, 1, f.metrics.Counter(MetricStageFailed))
	assert.EqualValues(t, 1, f.metrics.Counter(MetricTaskFailed))

	_, held := f.lock.Holder("acme")
	assert.False(t, held)
}

func TestExecuteStageFailureWithoutInfoIsSystemError(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	f.stages[0].run = func(context.Context, *stage.RuntimeContext) stage.StageResult {
		return stage.StageResult{}
	}

	res := f.executor().Execute(context.Background())
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeSystem, res.Failure.Type)
	assert.Equal(t, task.StatusFailed, res.FinalStatus)
}

func TestExecutePanickingStageFailsTask(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.stages[0].run = func(context.Context, *stage.RuntimeContext) stage.StageResult {
		panic("boom")
	}

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusFailed, res.FinalStatus)
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeSystem, res.Failure.Type)
	assert.Contains(t, res.Failure.Message, "boom")
	assert.Equal(t, "s1", res.Failure.StageName)
	assert.Empty(t, res.CompletedStages)
}

func TestExecutePausesAfterCurrentStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestPause()
		return stage.StageResult{Success: true}
	}
	f.acquire(t)
	exec := f.executor()

	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusPaused, res.FinalStatus)
	assert.Equal(t, []string{"s1"}, res.CompletedStages)
	assert.False(t, f.rc.IsPauseRequested())
	_, hasDuration := f.task.Duration()
	assert.False(t, hasDuration)
	_, held := f.lock.Holder("acme")
	assert.True(t, held, "paused task keeps the tenant lock")
	assert.EqualValues(t, 1, f.metrics.Counter(MetricTaskPaused))

	f.stages[0].run = nil
	res = exec.Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.Equal(t, []string{"s2", "s3"}, res.CompletedStages)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.ran)
	assert.Equal(t, stage.ModeResume, f.rc.Mode())
	assert.Contains(t, f.publisher.Types(), task.EventResumed)
	_, held = f.lock.Holder("acme")
	assert.False(t, held)
}

func TestExecuteCancelAfterCurrentStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestCancel()
		return stage.StageResult{Success: true}
	}
	f.acquire(t)

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusCancelled, res.FinalStatus)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"s1"}, res.CompletedStages)
	_, hasDuration := f.task.Duration()
	assert.False(t, hasDuration)
	_, held := f.lock.Holder("acme")
	assert.False(t, held)
	assert.Equal(t, task.EventCancelled, f.publisher.Types()[len(f.publisher.Types())-1])
}

func TestExecuteContextCancellationStopsBetweenStages(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.stages[0].run = func(context.Context, *stage.RuntimeContext) stage.StageResult {
		cancel()
		return stage.StageResult{Success: true}
	}

	res := f.executor().Execute(ctx)

	assert.Equal(t, task.StatusCancelled, res.FinalStatus)
	assert.Equal(t, []string{"s1"}, f.ran)
}

func TestPauseOnLastStageStillCompletes(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestPause()
		return stage.StageResult{Success: true}
	}

	res := f.executor().Execute(context.Background())
	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.False(t, f.rc.IsPauseRequested(), "a settled task drops its pause request")
}

func TestControlFlagsDoNotLeakIntoNextRun(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[2].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestPause()
		rc.RequestCancel()
		return stage.StageResult{Success: true}
	}
	f.acquire(t)
	exec := f.executor()
	require.Equal(t, task.StatusCompleted, exec.Execute(context.Background()).FinalStatus)
	assert.False(t, f.rc.IsPauseRequested())
	assert.False(t, f.rc.IsCancelRequested())

	f.stages[2].run = nil
	f.ran = nil
	f.rc.RequestRollback("")
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusRolledBack, res.FinalStatus)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.ran)
	_, held := f.lock.Holder("acme")
	assert.False(t, held)
}

func TestPauseIsIgnoredWhileRollingBack(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.acquire(t)
	exec := f.executor()
	require.Equal(t, task.StatusCompleted, exec.Execute(context.Background()).FinalStatus)

	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestPause()
		return stage.StageResult{Success: true}
	}
	f.ran = nil
	f.rc.RequestRollback("")
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusRolledBack, res.FinalStatus)
	assert.Equal(t, []string{"s1", "s2", "s3"}, res.CompletedStages)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.ran)
	assert.False(t, f.rc.IsPauseRequested())
	assert.Zero(t, f.metrics.Counter(MetricTaskPaused))
	_, held := f.lock.Holder("acme")
	assert.False(t, held)
}

func TestCancelWinsOverPause(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		rc.RequestPause()
		rc.RequestCancel()
		return stage.StageResult{Success: true}
	}

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusCancelled, res.FinalStatus)
	assert.False(t, f.rc.IsPauseRequested())
	assert.False(t, f.rc.IsCancelRequested())
}

func TestRetryWithoutCheckpointRestartsAtFirstStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[1].run = failWith(rollout.ErrorTypeServiceUnavailable, "portal down")
	exec := f.executor()
	require.Equal(t, task.StatusFailed, exec.Execute(context.Background()).FinalStatus)

	f.stages[1].run = nil
	f.ran = nil
	f.rc.RequestRetry(false, nil)
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.Equal(t, []string{"s1", "s2", "s3"}, f.ran)
	assert.Equal(t, task.ExecutionRange{StartIndex: 0, EndIndex: 3}, f.task.Range())
	assert.Equal(t, 1, f.task.RetryPolicy().RetryCount)
	assert.Equal(t, stage.ModeRetry, f.rc.Mode())
	_, pending := f.rc.RetryRequested()
	assert.False(t, pending)

	types := f.publisher.Types()
	assert.Contains(t, types, task.EventRetryStarted)
	assert.Contains(t, types, task.EventRetryCompleted)
}

func TestRetryFromCheckpointSkipsCompletedStages(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[1].run = failWith(rollout.ErrorTypeTimeout, "timed out")
	exec := f.executor()
	exec.Execute(context.Background())

	f.stages[1].run = nil
	f.ran = nil
	f.rc.RequestRetry(true, nil)
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.Equal(t, []string{"s2", "s3"}, f.ran)
	assert.Equal(t, []string{"s2", "s3"}, res.CompletedStages)
	assert.Equal(t, task.ExecutionRange{StartIndex: 1, EndIndex: 3}, f.task.Range())
	assert.Equal(t, 1, f.rc.StartIndex())
}

func TestRetryBeyondLimitIsValidationError(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"}, task.WithMaxRetry(0))
	f.stages[0].run = failWith(rollout.ErrorTypeBusiness, "rejected")
	exec := f.executor()
	exec.Execute(context.Background())

	f.ran = nil
	f.rc.RequestRetry(false, nil)
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusFailed, res.FinalStatus)
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeValidation, res.Failure.Type)
	assert.Empty(t, f.ran, "no stage runs when the intent is rejected")
	assert.EqualValues(t, 1, f.metrics.Counter(MetricPreparationFail))
}

func TestRetryOverrideRaisesLimit(t *testing.T) {
	f := newFixture(t, []string{"s1"}, task.WithMaxRetry(0))
	f.stages[0].run = failWith(rollout.ErrorTypeBusiness, "rejected")
	exec := f.executor()
	exec.Execute(context.Background())

	f.stages[0].run = nil
	override := 2
	f.rc.RequestRetry(false, &override)
	res := exec.Execute(context.Background())
	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
}

// The rollback range runs one stage past the last completed one, so the stage
// that failed is re-applied with the previous configuration.
func TestRollbackRangeReappliesFailedStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2", "s3"})
	f.stages[1].run = failWith(rollout.ErrorTypeBusiness, "rejected")
	exec := f.executor()
	exec.Execute(context.Background())
	require.Equal(t, 0, f.task.Progress().LastCompletedIndex)

	f.stages[1].run = nil
	f.ran = nil
	f.rc.RequestRollback("")
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusRolledBack, res.FinalStatus)
	assert.Equal(t, task.ExecutionRange{StartIndex: 0, EndIndex: 2}, f.task.Range())
	assert.Equal(t, []string{"s1", "s2"}, f.ran)
	assert.Equal(t, stage.ModeRollback, f.rc.Mode())
	assert.False(t, f.task.RollbackIntent())
	assert.EqualValues(t, 1, f.metrics.Counter(MetricTaskRolledBack))

	types := f.publisher.Types()
	assert.Contains(t, types, task.EventRollingBack)
	assert.Equal(t, task.EventRolledBack, types[len(types)-1])
}

func TestRollbackTakesPriorityOverRetry(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	exec := f.executor()
	exec.Execute(context.Background())

	f.rc.RequestRetry(true, nil)
	f.rc.RequestRollback("")
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusRolledBack, res.FinalStatus)
	_, retry := f.rc.RetryRequested()
	assert.False(t, retry)
}

func TestRollbackStageFailureEndsInRollbackFailed(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	exec := f.executor()
	exec.Execute(context.Background())

	f.stages[0].run = failWith(rollout.ErrorTypeNetwork, "unreachable")
	f.rc.RequestRollback("")
	res := exec.Execute(context.Background())

	assert.Equal(t, task.StatusRollbackFailed, res.FinalStatus)
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeNetwork, res.Failure.Type)
	_, hasDuration := f.task.Duration()
	assert.True(t, hasDuration)
}

func TestCompensateFailedStage(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.stages[1].run = failWith(rollout.ErrorTypeBusiness, "half applied")

	res := f.executor(WithCompensateFailedStage(true)).Execute(context.Background())

	assert.Equal(t, task.StatusFailed, res.FinalStatus)
	assert.Equal(t, 1, f.stages[1].rollbacks)
	assert.Zero(t, f.stages[0].rollbacks)
	require.NotNil(t, res.Failure)
	assert.Equal(t, true, res.Failure.Metadata["compensated"])
}

func TestCompensationFailureIsRecorded(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	f.stages[0].run = failWith(rollout.ErrorTypeBusiness, "half applied")
	f.stages[0].rollback = func() stage.StageResult {
		return stage.StageResult{Failure: rollout.NewFailure(rollout.ErrorTypeSystem, "undo failed")}
	}

	res := f.executor(WithCompensateFailedStage(true)).Execute(context.Background())

	require.NotNil(t, res.Failure)
	assert.Equal(t, "undo failed", res.Failure.Metadata["compensation_error"])
	assert.Equal(t, "half applied", res.Failure.Message)
}

func TestValidationFailureOnCreatedTask(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"}, task.WithStatus(task.StatusCreated))
	f.stages = f.stages[:1]
	f.acquire(t)

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusValidationFailed, res.FinalStatus)
	require.NotNil(t, res.Failure)
	assert.Equal(t, rollout.ErrorTypeValidation, res.Failure.Type)
	assert.Empty(t, f.ran)
	assert.Contains(t, f.publisher.Types(), task.EventValidationFailed)
	_, held := f.lock.Holder("acme")
	assert.False(t, held)
}

func TestCreatedTaskPassesValidationAndRuns(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"}, task.WithStatus(task.StatusCreated))

	res := f.executor().Execute(context.Background())
	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.Equal(t, []string{"s1", "s2"}, f.ran)
}

func TestPublisherErrorsAreFailOpen(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	f.publisher.Err = errors.New("sink unavailable")

	res := f.executor().Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.EqualValues(t, len(f.publisher.Events()), f.metrics.Counter(MetricEventsDropped))
}

func TestBeatPublishesProgress(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	exec := f.executor()
	exec.setCurrent("s1")

	exec.beat(context.Background())

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, task.EventProgress, events[0].Type)
	assert.Equal(t, "s1", events[0].StageName)
	assert.EqualValues(t, 1, f.metrics.Counter(MetricHeartbeat))
}

func TestHeartbeatRunsWhileStageIsBusy(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a heartbeat tick")
	}
	f := newFixture(t, []string{"slow"})
	f.stages[0].run = func(ctx context.Context, _ *stage.RuntimeContext) stage.StageResult {
		deadline := time.After(5 * time.Second)
		for {
			for _, evt := range f.publisher.Events() {
				if evt.Type == task.EventProgress {
					return stage.StageResult{Success: true}
				}
			}
			select {
			case <-deadline:
				return stage.StageResult{Failure: rollout.NewFailure(rollout.ErrorTypeTimeout, "no heartbeat")}
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	res := f.executor(WithHeartbeat(time.Second)).Execute(context.Background())

	assert.Equal(t, task.StatusCompleted, res.FinalStatus)
	assert.Positive(t, f.metrics.Counter(MetricHeartbeat))
}

func TestActiveGaugeTracksRunningExecutions(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	counter := &ActiveCounter{}
	var during int64
	f.stages[0].run = func(context.Context, *stage.RuntimeContext) stage.StageResult {
		during = counter.Load()
		return stage.StageResult{Success: true}
	}

	f.executor(WithActiveCounter(counter)).Execute(context.Background())

	assert.EqualValues(t, 1, during)
	assert.Zero(t, counter.Load())
}

func TestCurrentStageNameDuringRun(t *testing.T) {
	f := newFixture(t, []string{"s1", "s2"})
	var seen []string
	exec := f.executor()
	for _, s := range f.stages {
		s.run = func(context.Context, *stage.RuntimeContext) stage.StageResult {
			seen = append(seen, exec.CurrentStageName())
			return stage.StageResult{Success: true}
		}
	}

	exec.Execute(context.Background())

	assert.Equal(t, []string{"s1", "s2"}, seen)
	assert.Empty(t, exec.CurrentStageName())
	assert.Equal(t, 2, exec.CompletedStageCount())
}

func TestTagsCarryTaskAndStage(t *testing.T) {
	f := newFixture(t, []string{"s1"})
	var tags map[string]any
	f.stages[0].run = func(_ context.Context, rc *stage.RuntimeContext) stage.StageResult {
		tags = rc.Tags()
		return stage.StageResult{Success: true}
	}

	f.executor().Execute(context.Background())

	assert.Equal(t, "task-1", tags[stage.TagTaskID])
	assert.Equal(t, "plan-1", tags[stage.TagPlanID])
	assert.Equal(t, "acme", tags[stage.TagTenantID])
	assert.Equal(t, "s1", tags[stage.TagStage])
}

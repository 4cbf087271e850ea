package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/dispatcher"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(typ task.EventType, seq int64, status task.Status, stageName string) task.Event {
	return task.Event{
		ID:          "evt",
		Type:        typ,
		TaskID:      "task-1",
		PlanID:      "plan-1",
		TenantID:    "acme",
		Status:      status,
		StageName:   stageName,
		TotalStages: 3,
		SequenceID:  seq,
		Timestamp:   time.Date(2024, 5, 1, 10, 0, int(seq), 0, time.UTC),
	}
}

func TestPublishProjectsCheckpoint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, event(task.EventStarted, 1, task.StatusRunning, "")))
	completed := event(task.EventStageCompleted, 2, task.StatusRunning, "portal")
	completed.CompletedStages = 1
	require.NoError(t, s.Publish(ctx, completed))

	failed := event(task.EventFailed, 3, task.StatusFailed, "")
	failed.CompletedStages = 1
	failed.Failure = rollout.NewFailure(rollout.ErrorTypeServiceUnavailable, "gateway down")
	require.NoError(t, s.Publish(ctx, failed))

	rec, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, "portal", rec.LastCompletedStage)
	assert.Equal(t, 1, rec.CompletedStages)
	assert.Equal(t, 3, rec.TotalStages)
	assert.EqualValues(t, 3, rec.SequenceID)
	assert.Equal(t, string(rollout.ErrorTypeServiceUnavailable), rec.FailureType)
	assert.Equal(t, "gateway down", rec.FailureMessage)
	assert.Equal(t, "plan-1", rec.PlanID)
}

func TestPublishIgnoresStaleEvents(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, event(task.EventCompleted, 5, task.StatusCompleted, "")))
	require.NoError(t, s.Publish(ctx, event(task.EventStarted, 2, task.StatusRunning, "")))

	rec, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.EqualValues(t, 5, rec.SequenceID)
}

func TestEventsSkipsHeartbeats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, event(task.EventStarted, 1, task.StatusRunning, "")))
	require.NoError(t, s.Publish(ctx, event(task.EventProgress, 2, task.StatusRunning, "portal")))
	require.NoError(t, s.Publish(ctx, event(task.EventCompleted, 3, task.StatusCompleted, "")))

	events, err := s.Events(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, task.EventStarted, events[0].Type)
	assert.Equal(t, task.EventCompleted, events[1].Type)

	rec, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, rec.SequenceID)
}

func TestHeartbeatDoesNotFenceOutStageCompletion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := event(task.EventStageCompleted, 4, task.StatusRunning, "s1")
	first.CompletedStages = 1
	require.NoError(t, s.Publish(ctx, first))

	beat := event(task.EventProgress, 6, task.StatusRunning, "s2")
	beat.CompletedStages = 1
	require.NoError(t, s.Publish(ctx, beat))

	second := event(task.EventStageCompleted, 5, task.StatusRunning, "s2")
	second.CompletedStages = 2
	require.NoError(t, s.Publish(ctx, second))

	rec, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.LastCompletedStage)
	assert.Equal(t, 2, rec.CompletedStages)
	assert.EqualValues(t, 5, rec.SequenceID)
}

func TestHeartbeatCreatesMissingCheckpoint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, event(task.EventProgress, 7, task.StatusRunning, "portal")))
	require.NoError(t, s.Publish(ctx, event(task.EventStarted, 1, task.StatusRunning, "")))

	rec, err := s.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusRunning, rec.Status)
	assert.EqualValues(t, 1, rec.SequenceID)
}

func TestLoadUnknownTask(t *testing.T) {
	s := openStore(t)
	_, err := s.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, rollout.HasCode(err, rollout.ErrCodeTaskNotFound))
}

func TestLatestAndList(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	first := event(task.EventCompleted, 1, task.StatusCompleted, "")
	first.TaskID = "task-old"
	first.Timestamp = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	second := event(task.EventStarted, 1, task.StatusRunning, "")
	second.TaskID = "task-new"
	other := event(task.EventStarted, 1, task.StatusRunning, "")
	other.TaskID = "task-other"
	other.TenantID = "globex"

	for _, evt := range []task.Event{first, second, other} {
		require.NoError(t, s.Publish(ctx, evt))
	}

	latest, err := s.Latest(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "task-new", latest.TaskID)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	acme, err := s.List(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, acme, 2)
	assert.Equal(t, "task-new", acme[0].TaskID)

	_, err = s.Latest(ctx, "initech")
	assert.True(t, rollout.HasCode(err, rollout.ErrCodeTaskNotFound))
}

func TestPreviousConfig(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v1 := &config.TenantConfig{TenantID: "acme", Version: "v1", Services: []config.ServiceConfig{{Name: config.ServicePortal, KVKey: "portal/acme"}}}
	v2 := &config.TenantConfig{TenantID: "acme", Version: "v2", Services: []config.ServiceConfig{{Name: config.ServicePortal, KVKey: "portal/acme/v2"}}}
	require.NoError(t, s.SaveConfig(ctx, v1))
	require.NoError(t, s.SaveConfig(ctx, v2))

	prev, err := s.PreviousConfig(ctx, "acme", "v2")
	require.NoError(t, err)
	assert.Equal(t, "v1", prev.Version)
	assert.Equal(t, "portal/acme", prev.Services[0].KVKey)

	_, err = s.PreviousConfig(ctx, "globex", "v1")
	assert.True(t, rollout.HasCode(err, rollout.ErrCodeInvalidCheckpoint))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.True(t, rollout.HasCode(err, rollout.ErrCodeInvalidConfig))
}

func TestStoreFollowsExecutorThroughDispatcher(t *testing.T) {
	s := openStore(t)
	d := dispatcher.NewDispatcher()
	d.Subscribe(executor.TopicTaskEvents, executor.EventHandler(s.Publish))

	tk, err := task.New("task-1", "plan-1", "acme", 2)
	require.NoError(t, err)
	stages := []stage.Stage{
		stage.NewCompositeStage("asbc-gateway", nil),
		stage.NewCompositeStage("portal", []stage.Step{failingStep{}}),
	}

	res := executor.New(tk, stage.NewRuntimeContext(nil), executor.Dependencies{Stages: stages},
		executor.WithPublisher(executor.DispatcherPublisher{Dispatcher: d}),
	).Execute(context.Background())
	require.Equal(t, task.StatusFailed, res.FinalStatus)

	rec, err := s.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, "asbc-gateway", rec.LastCompletedStage)
	assert.Equal(t, string(rollout.ErrorTypeBusiness), rec.FailureType)
}

type failingStep struct{}

func (failingStep) Name() string { return "push" }

func (failingStep) Execute(context.Context, *stage.RuntimeContext) stage.StepResult {
	return stage.Failf(rollout.ErrorTypeBusiness, "rejected")
}

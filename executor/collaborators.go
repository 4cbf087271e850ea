package executor

import (
	"context"

	"github.com/goliatone/go-rollout/task"
)

// TenantLock guarantees at most one in-flight task per tenant. Callers
// acquire it before Execute; the executor releases it once the task reaches
// a terminal status.
type TenantLock interface {
	TryAcquire(ctx context.Context, tenantID, taskID string) (bool, error)
	Release(ctx context.Context, tenantID, taskID string) error
}

// Metrics receives counters and gauges about task execution.
type Metrics interface {
	IncrementCounter(name string, tags map[string]string)
	SetGauge(name string, value float64, tags map[string]string)
}

// EventPublisher receives every task lifecycle event, including heartbeats.
type EventPublisher interface {
	Publish(ctx context.Context, evt task.Event) error
}

// Sequencer hands out the per-task sequence id stamped on published events.
type Sequencer interface {
	Next(taskID string) int64
}

// Metric names.
const (
	MetricTasksActive     = "tasks_active"
	MetricTaskStarted     = "task_started"
	MetricTaskCompleted   = "task_completed"
	MetricTaskFailed      = "task_failed"
	MetricTaskPaused      = "task_paused"
	MetricTaskCancelled   = "task_cancelled"
	MetricTaskRolledBack  = "task_rolled_back"
	MetricStageSucceeded  = "stage_succeeded"
	MetricStageFailed     = "stage_failed"
	MetricHeartbeat       = "heartbeat"
	MetricEventsDropped   = "events_dropped"
	MetricPreparationFail = "preparation_failed"
)

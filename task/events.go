package task

import (
	"time"

	"github.com/google/uuid"

	rollout "github.com/goliatone/go-rollout"
)

// EventType names a task lifecycle event.
type EventType string

const (
	EventStarted          EventType = "task.started"
	EventProgress         EventType = "task.progress"
	EventStageStarted     EventType = "task.stage_started"
	EventStageCompleted   EventType = "task.stage_completed"
	EventStageFailed      EventType = "task.stage_failed"
	EventPaused           EventType = "task.paused"
	EventResumed          EventType = "task.resumed"
	EventCompleted        EventType = "task.completed"
	EventFailed           EventType = "task.failed"
	EventRollingBack      EventType = "task.rolling_back"
	EventRolledBack       EventType = "task.rolled_back"
	EventRollbackFailed   EventType = "task.rollback_failed"
	EventCancelled        EventType = "task.cancelled"
	EventRetryStarted     EventType = "task.retry_started"
	EventRetryCompleted   EventType = "task.retry_completed"
	EventValidationFailed EventType = "task.validation_failed"
)

// Event is a lifecycle notification emitted after a task transition.
// SequenceID is assigned when the event is published.
type Event struct {
	ID              string               `json:"id"`
	Type            EventType            `json:"type"`
	TaskID          string               `json:"task_id"`
	PlanID          string               `json:"plan_id"`
	TenantID        string               `json:"tenant_id"`
	Status          Status               `json:"status"`
	StageName       string               `json:"stage_name,omitempty"`
	StageIndex      int                  `json:"stage_index"`
	CompletedStages int                  `json:"completed_stages"`
	TotalStages     int                  `json:"total_stages"`
	RetryCount      int                  `json:"retry_count"`
	Failure         *rollout.FailureInfo `json:"failure,omitempty"`
	Timestamp       time.Time            `json:"timestamp"`
	SequenceID      int64                `json:"sequence_id"`
	Metadata        map[string]any       `json:"metadata,omitempty"`
}

// IsStageEvent reports whether the event refers to a specific stage.
func (e Event) IsStageEvent() bool {
	switch e.Type {
	case EventStageStarted, EventStageCompleted, EventStageFailed:
		return true
	default:
		return false
	}
}

// newEventLocked snapshots the aggregate into an event. Caller holds t.mu.
func (t *Task) newEventLocked(typ EventType) Event {
	return Event{
		ID:              uuid.NewString(),
		Type:            typ,
		TaskID:          t.id,
		PlanID:          t.planID,
		TenantID:        t.tenantID,
		Status:          t.status,
		StageIndex:      -1,
		CompletedStages: t.progress.CompletedCount(),
		TotalStages:     t.progress.TotalStages,
		RetryCount:      t.retry.RetryCount,
		Timestamp:       t.now(),
	}
}

func (t *Task) recordLocked(typ EventType, mutate ...func(*Event)) {
	evt := t.newEventLocked(typ)
	for _, fn := range mutate {
		if fn != nil {
			fn(&evt)
		}
	}
	t.events = append(t.events, evt)
}

func withStage(name string, index int) func(*Event) {
	return func(e *Event) {
		e.StageName = name
		e.StageIndex = index
	}
}

func withFailure(info *rollout.FailureInfo) func(*Event) {
	return func(e *Event) {
		e.Failure = info.Clone()
	}
}

// PullEvents returns the events recorded since the last call and clears them.
func (t *Task) PullEvents() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == 0 {
		return nil
	}
	out := t.events
	t.events = nil
	return out
}

// ProgressEvent builds an unrecorded progress snapshot, used by heartbeats.
func (t *Task) ProgressEvent(currentStage string) Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	evt := t.newEventLocked(EventProgress)
	evt.StageName = currentStage
	return evt
}

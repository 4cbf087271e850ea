package operations

import (
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/task"
)

// Operation names a request made against a task.
type Operation string

const (
	OpStart    Operation = "start"
	OpPause    Operation = "pause"
	OpResume   Operation = "resume"
	OpCancel   Operation = "cancel"
	OpRetry    Operation = "retry"
	OpRollback Operation = "rollback"
)

// OperationResult answers an operation request. Long-running operations
// return Accepted as soon as the run is scheduled; their outcome is only
// visible through lifecycle events and Status.
type OperationResult struct {
	Operation Operation   `json:"operation"`
	TaskID    string      `json:"task_id"`
	TenantID  string      `json:"tenant_id,omitempty"`
	Accepted  bool        `json:"accepted"`
	Status    task.Status `json:"status,omitempty"`
	Message   string      `json:"message,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
	Error     error       `json:"-"`
	Timestamp time.Time   `json:"timestamp"`
}

func accepted(op Operation, t *task.Task, msg string) OperationResult {
	return OperationResult{
		Operation: op,
		TaskID:    t.ID(),
		TenantID:  t.TenantID(),
		Accepted:  true,
		Status:    t.Status(),
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}
}

func rejected(op Operation, taskID string, err error) OperationResult {
	return OperationResult{
		Operation: op,
		TaskID:    taskID,
		Message:   err.Error(),
		ErrorCode: rollout.ErrorCode(err),
		Error:     err,
		Timestamp: time.Now().UTC(),
	}
}

// RunStatus is a point-in-time view of a registered task.
type RunStatus struct {
	TaskID          string               `json:"task_id"`
	TenantID        string               `json:"tenant_id"`
	Status          task.Status          `json:"status"`
	Running         bool                 `json:"running"`
	CurrentStage    string               `json:"current_stage,omitempty"`
	CompletedStages int                  `json:"completed_stages"`
	TotalStages     int                  `json:"total_stages"`
	LastResult      *executor.TaskResult `json:"last_result,omitempty"`
}

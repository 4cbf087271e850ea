package executor

import (
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/task"
)

// TaskResult is the outcome of one Execute call.
type TaskResult struct {
	TaskID          string               `json:"task_id"`
	FinalStatus     task.Status          `json:"final_status"`
	Duration        time.Duration        `json:"duration"`
	CompletedStages []string             `json:"completed_stages"`
	FailureMessage  string               `json:"failure_message,omitempty"`
	Failure         *rollout.FailureInfo `json:"failure,omitempty"`
}

// Succeeded reports whether the run ended without a failure. Paused and
// cancelled runs count as successful exits.
func (r TaskResult) Succeeded() bool {
	if r.Failure != nil {
		return false
	}
	switch r.FinalStatus {
	case task.StatusFailed, task.StatusRollbackFailed, task.StatusValidationFailed:
		return false
	default:
		return true
	}
}

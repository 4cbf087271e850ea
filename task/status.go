package task

import "strings"

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusValidating       Status = "VALIDATING"
	StatusPending          Status = "PENDING"
	StatusRunning          Status = "RUNNING"
	StatusPaused           Status = "PAUSED"
	StatusResuming         Status = "RESUMING"
	StatusCompleted        Status = "COMPLETED"
	StatusFailed           Status = "FAILED"
	StatusRollingBack      Status = "ROLLING_BACK"
	StatusRolledBack       Status = "ROLLED_BACK"
	StatusRollbackFailed   Status = "ROLLBACK_FAILED"
	StatusCancelled        Status = "CANCELLED"
	StatusValidationFailed Status = "VALIDATION_FAILED"
)

var allStatuses = []Status{
	StatusCreated,
	StatusValidating,
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusResuming,
	StatusCompleted,
	StatusFailed,
	StatusRollingBack,
	StatusRolledBack,
	StatusRollbackFailed,
	StatusCancelled,
	StatusValidationFailed,
}

// ParseStatus normalizes a status string. Unknown values return false.
func ParseStatus(raw string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, s := range allStatuses {
		if s == candidate {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether a run has finished in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted,
		StatusFailed,
		StatusRolledBack,
		StatusRollbackFailed,
		StatusCancelled,
		StatusValidationFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether stages may be executing in this status.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusRollingBack || s == StatusResuming
}

// recordsDuration reports whether reaching s ends a run with a measured duration.
func (s Status) recordsDuration() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRolledBack, StatusRollbackFailed:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

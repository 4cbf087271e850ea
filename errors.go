package rollout

import (
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
)

const (
	ErrCodeValidation        = "VALIDATION_FAILED"
	ErrCodeInvalidCheckpoint = "ROLLOUT_INVALID_CHECKPOINT"
	ErrCodeLockNotAcquired   = "ROLLOUT_TENANT_LOCKED"
	ErrCodeTaskNotFound      = "ROLLOUT_TASK_NOT_FOUND"
	ErrCodeInvalidConfig     = "ROLLOUT_INVALID_CONFIG"
)

var (
	// ErrValidation marks validation failures. Wrappers can compare with
	// errors.Is(err, ErrValidation) to propagate validation intent.
	ErrValidation = errors.New("validation error", errors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrInvalidCheckpoint = errors.New("invalid checkpoint", errors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidCheckpoint)
	ErrLockNotAcquired = errors.New("tenant lock held by another task", errors.CategoryConflict).
				WithTextCode(ErrCodeLockNotAcquired)
	ErrTaskNotFound = errors.New("task not found", errors.CategoryBadInput).
			WithTextCode(ErrCodeTaskNotFound)
	ErrInvalidConfig = errors.New("invalid configuration", errors.CategoryValidation).
				WithTextCode(ErrCodeInvalidConfig)
)

// CloneError copies a sentinel, replacing its message and attaching source
// and metadata.
func CloneError(base *errors.Error, message string, source error, metadata map[string]any) *errors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// ErrorCode returns the go-errors text code carried by err, if any.
func ErrorCode(err error) string {
	var ge *errors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// HasCode reports whether err carries the given text code.
func HasCode(err error, code string) bool {
	return code != "" && ErrorCode(err) == code
}

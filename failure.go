package rollout

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/goliatone/go-errors"
)

// ErrorType classifies a failure reported by a step, stage or task.
type ErrorType string

const (
	ErrorTypeValidation         ErrorType = "VALIDATION_ERROR"
	ErrorTypeTimeout            ErrorType = "TIMEOUT_ERROR"
	ErrorTypeServiceUnavailable ErrorType = "SERVICE_UNAVAILABLE"
	ErrorTypeBusiness           ErrorType = "BUSINESS_ERROR"
	ErrorTypeSystem             ErrorType = "SYSTEM_ERROR"
	ErrorTypeNetwork            ErrorType = "NETWORK_ERROR"
)

// DefaultRetryable reports whether failures of this type are worth retrying
// when the reporter did not say otherwise.
func (t ErrorType) DefaultRetryable() bool {
	switch t {
	case ErrorTypeTimeout, ErrorTypeServiceUnavailable, ErrorTypeNetwork:
		return true
	default:
		return false
	}
}

// TextCode returns the go-errors text code used when the failure is rendered
// as an application error.
func (t ErrorType) TextCode() string {
	if t == "" {
		return "ROLLOUT_" + string(ErrorTypeSystem)
	}
	return "ROLLOUT_" + string(t)
}

func (t ErrorType) category() errors.Category {
	switch t {
	case ErrorTypeValidation:
		return errors.CategoryValidation
	case ErrorTypeTimeout, ErrorTypeServiceUnavailable, ErrorTypeNetwork:
		return errors.CategoryExternal
	default:
		return errors.CategoryHandler
	}
}

// FailureInfo is the structured failure descriptor attached to failed steps,
// stages and tasks.
type FailureInfo struct {
	Type       ErrorType      `json:"type"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	StageName  string         `json:"stage_name,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Cause      error          `json:"-"`
}

// NewFailure builds a failure using the default retryability of its type.
func NewFailure(t ErrorType, message string) *FailureInfo {
	return &FailureInfo{
		Type:       t,
		Message:    strings.TrimSpace(message),
		Retryable:  t.DefaultRetryable(),
		OccurredAt: time.Now().UTC(),
	}
}

// Failuref is NewFailure with fmt formatting.
func Failuref(t ErrorType, format string, args ...any) *FailureInfo {
	return NewFailure(t, fmt.Sprintf(format, args...))
}

// FailureFromError classifies err. Unknown errors get the fallback type.
func FailureFromError(err error, fallback ErrorType) *FailureInfo {
	if err == nil {
		return nil
	}

	var fi *FailureInfo
	if stderrors.As(err, &fi) && fi != nil {
		return fi.Clone()
	}

	t := fallback
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		t = ErrorTypeTimeout
	case isValidationError(err):
		t = ErrorTypeValidation
	default:
		var netErr net.Error
		if stderrors.As(err, &netErr) {
			if netErr.Timeout() {
				t = ErrorTypeTimeout
			} else {
				t = ErrorTypeNetwork
			}
		}
	}
	if t == "" {
		t = ErrorTypeSystem
	}

	out := NewFailure(t, err.Error())
	out.Cause = err
	return out
}

func isValidationError(err error) bool {
	var ge *errors.Error
	if !stderrors.As(err, &ge) {
		return false
	}
	switch ge.TextCode {
	case ErrValidation.TextCode, ErrorTypeValidation.TextCode():
		return true
	}
	return false
}

// Error implements error.
func (f *FailureInfo) Error() string {
	if f == nil {
		return ""
	}
	if f.StageName != "" {
		return fmt.Sprintf("%s [%s]: %s", f.Type, f.StageName, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Type, f.Message)
}

func (f *FailureInfo) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Cause
}

// WithStage returns a copy tagged with the stage that produced the failure.
func (f *FailureInfo) WithStage(name string) *FailureInfo {
	if f == nil {
		return nil
	}
	out := f.Clone()
	if out.StageName == "" {
		out.StageName = name
	}
	return out
}

// WithMetadata returns a copy with the provided metadata merged in.
func (f *FailureInfo) WithMetadata(meta map[string]any) *FailureInfo {
	if f == nil {
		return nil
	}
	out := f.Clone()
	if len(meta) == 0 {
		return out
	}
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		out.Metadata[k] = v
	}
	return out
}

// WithRetryable overrides the retryable flag.
func (f *FailureInfo) WithRetryable(retryable bool) *FailureInfo {
	if f == nil {
		return nil
	}
	out := f.Clone()
	out.Retryable = retryable
	return out
}

func (f *FailureInfo) Clone() *FailureInfo {
	if f == nil {
		return nil
	}
	out := *f
	if f.Metadata != nil {
		out.Metadata = make(map[string]any, len(f.Metadata))
		for k, v := range f.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// AsError renders the failure as a go-errors value so it can travel through
// transport error mappers.
func (f *FailureInfo) AsError() error {
	if f == nil {
		return nil
	}
	meta := map[string]any{
		"error_type": string(f.Type),
		"retryable":  f.Retryable,
	}
	if f.StageName != "" {
		meta["stage"] = f.StageName
	}
	for k, v := range f.Metadata {
		meta[k] = v
	}
	if f.Cause != nil {
		return errors.Wrap(f.Cause, f.Type.category(), f.Message).
			WithTextCode(f.Type.TextCode()).
			WithMetadata(meta)
	}
	return errors.New(f.Message, f.Type.category()).
		WithTextCode(f.Type.TextCode()).
		WithMetadata(meta)
}

package task

import (
	stderrors "errors"
	"fmt"

	"github.com/goliatone/go-errors"
)

// Trigger names a transition of the task state machine.
type Trigger string

const (
	TriggerValidate         Trigger = "validate"
	TriggerValidationPassed Trigger = "validation_passed"
	TriggerValidationFailed Trigger = "validation_failed"
	TriggerStart            Trigger = "start"
	TriggerPause            Trigger = "pause"
	TriggerResume           Trigger = "resume"
	TriggerResumed          Trigger = "resumed"
	TriggerComplete         Trigger = "complete"
	TriggerFail             Trigger = "fail"
	TriggerRetry            Trigger = "retry"
	TriggerRollback         Trigger = "rollback"
	TriggerRollbackComplete Trigger = "rollback_complete"
	TriggerRollbackFail     Trigger = "rollback_fail"
	TriggerCancel           Trigger = "cancel"
)

const ErrCodeIllegalTransition = "TASK_ILLEGAL_TRANSITION"

// ErrIllegalTransition is the go-errors form of IllegalStateTransition.
var ErrIllegalTransition = errors.New("illegal state transition", errors.CategoryBadInput).
	WithTextCode(ErrCodeIllegalTransition)

// IllegalStateTransition is returned by imperative task operations invoked
// from a status that does not allow them, or whose guard rejected them.
type IllegalStateTransition struct {
	TaskID  string
	Trigger Trigger
	From    Status
	To      Status
	Reason  string
}

func (e *IllegalStateTransition) Error() string {
	msg := fmt.Sprintf("task %s: illegal transition %s -> %s (%s)", e.TaskID, e.From, e.To, e.Trigger)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Unwrap exposes a go-errors value carrying the transition metadata.
func (e *IllegalStateTransition) Unwrap() error {
	err := ErrIllegalTransition.Clone()
	err.Message = e.Error()
	return err.WithMetadata(map[string]any{
		"task_id": e.TaskID,
		"trigger": string(e.Trigger),
		"from":    string(e.From),
		"to":      string(e.To),
	})
}

// IsIllegalTransition reports whether err is an IllegalStateTransition.
func IsIllegalTransition(err error) bool {
	var ist *IllegalStateTransition
	return stderrors.As(err, &ist)
}

// transitionInput carries per-call guard arguments.
type transitionInput struct {
	maxRetryOverride *int
}

// guardFunc returns why a transition is refused, or "" to allow it.
type guardFunc func(t *Task, in transitionInput) string

type transition struct {
	trigger Trigger
	from    []Status
	to      Status
	guard   guardFunc
}

var nonTerminal = []Status{
	StatusCreated,
	StatusValidating,
	StatusPending,
	StatusRunning,
	StatusPaused,
	StatusResuming,
	StatusRollingBack,
}

var transitionTable = []transition{
	{trigger: TriggerValidate, from: []Status{StatusCreated}, to: StatusValidating},
	{trigger: TriggerValidationPassed, from: []Status{StatusValidating}, to: StatusPending},
	{trigger: TriggerValidationFailed, from: []Status{StatusValidating}, to: StatusValidationFailed},
	{trigger: TriggerStart, from: []Status{StatusPending}, to: StatusRunning},
	{trigger: TriggerPause, from: []Status{StatusRunning}, to: StatusPaused},
	{trigger: TriggerResume, from: []Status{StatusPaused}, to: StatusResuming},
	{trigger: TriggerResumed, from: []Status{StatusResuming}, to: StatusRunning},
	{trigger: TriggerComplete, from: []Status{StatusRunning}, to: StatusCompleted, guard: guardProgressCompleted},
	{trigger: TriggerFail, from: []Status{StatusPending, StatusRunning, StatusResuming}, to: StatusFailed},
	{trigger: TriggerRetry, from: []Status{StatusFailed, StatusRolledBack}, to: StatusRunning, guard: guardRetryBudget},
	{trigger: TriggerRollback, from: []Status{StatusRunning, StatusCompleted, StatusFailed, StatusRolledBack}, to: StatusRollingBack},
	{trigger: TriggerRollback, from: []Status{StatusPending}, to: StatusRollingBack, guard: guardRollbackIntent},
	{trigger: TriggerRollbackComplete, from: []Status{StatusRollingBack}, to: StatusRolledBack},
	{trigger: TriggerRollbackFail, from: []Status{StatusRollingBack}, to: StatusRollbackFailed},
	{trigger: TriggerCancel, from: nonTerminal, to: StatusCancelled},
}

var (
	transitionsByKey = make(map[string]transition)
	targetsByTrigger = make(map[Trigger]Status)
)

func init() {
	for _, tr := range transitionTable {
		targetsByTrigger[tr.trigger] = tr.to
		for _, from := range tr.from {
			key := transitionKey(from, tr.trigger)
			if _, exists := transitionsByKey[key]; exists {
				panic(fmt.Sprintf("task: duplicate transition %q", key))
			}
			transitionsByKey[key] = tr
		}
	}
}

func transitionKey(from Status, trigger Trigger) string {
	return string(from) + "::" + string(trigger)
}

func lookupTransition(from Status, trigger Trigger) (transition, bool) {
	tr, ok := transitionsByKey[transitionKey(from, trigger)]
	return tr, ok
}

func guardProgressCompleted(t *Task, _ transitionInput) string {
	if !t.progress.IsCompleted() {
		return fmt.Sprintf("stage progress incomplete: %d/%d", t.progress.CompletedCount(), t.progress.TotalStages)
	}
	return ""
}

func guardRetryBudget(t *Task, in transitionInput) string {
	if !t.retry.CanRetry(in.maxRetryOverride) {
		return fmt.Sprintf("retry limit reached: %d/%d", t.retry.RetryCount, t.retry.EffectiveMax(in.maxRetryOverride))
	}
	return ""
}

func guardRollbackIntent(t *Task, _ transitionInput) string {
	if !t.rollbackIntent {
		return "pending task was not created for rollback"
	}
	return ""
}

package task

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rollout "github.com/goliatone/go-rollout"
)

// Task is one rollout execution for one tenant within one plan. All state
// changes go through the named transition operations below.
type Task struct {
	mu sync.RWMutex

	id       string
	planID   string
	tenantID string

	status         Status
	progress       StageProgress
	execRange      ExecutionRange
	retry          RetryPolicy
	rollbackIntent bool
	retryInFlight  bool

	lastCompletedStage string
	lastFailure        *rollout.FailureInfo

	createdAt    time.Time
	updatedAt    time.Time
	runStartedAt time.Time
	duration     time.Duration
	hasDuration  bool

	events []Event
	now    func() time.Time
}

// Option customizes a Task at construction.
type Option func(*Task)

// WithStatus sets the initial status. Only CREATED and PENDING are accepted.
func WithStatus(status Status) Option {
	return func(t *Task) {
		t.status = status
	}
}

// WithMaxRetry sets the retry ceiling; negative means unbounded.
func WithMaxRetry(max int) Option {
	return func(t *Task) {
		t.retry = NewRetryPolicy(max)
	}
}

// WithRetryCount seeds the number of retries already consumed.
func WithRetryCount(count int) Option {
	return func(t *Task) {
		if count > 0 {
			t.retry.RetryCount = count
		}
	}
}

// WithLastCompleted seeds the progress cursor, used when resuming from a
// checkpoint.
func WithLastCompleted(index int, stageName string) Option {
	return func(t *Task) {
		t.progress.LastCompletedIndex = index
		t.lastCompletedStage = stageName
	}
}

// WithRange seeds the execution range.
func WithRange(r ExecutionRange) Option {
	return func(t *Task) {
		t.execRange = r
	}
}

// WithRollbackIntent marks a task recreated for a rollback run.
func WithRollbackIntent(intent bool) Option {
	return func(t *Task) {
		t.rollbackIntent = intent
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Task) {
		if now != nil {
			t.now = now
		}
	}
}

// New constructs a Task. An empty id gets a generated one.
func New(id, planID, tenantID string, totalStages int, opts ...Option) (*Task, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, rollout.CloneError(rollout.ErrValidation, "tenant id is required", nil, map[string]any{"task_id": id})
	}
	if totalStages < 0 {
		return nil, rollout.CloneError(rollout.ErrValidation, "total stages must be >= 0", nil, map[string]any{"task_id": id})
	}

	t := &Task{
		id:        id,
		planID:    strings.TrimSpace(planID),
		tenantID:  tenantID,
		status:    StatusPending,
		progress:  NewStageProgress(totalStages),
		execRange: NormalRange(totalStages),
		retry:     NewRetryPolicy(DefaultMaxRetry),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	if t.status != StatusCreated && t.status != StatusPending {
		return nil, rollout.CloneError(rollout.ErrValidation,
			fmt.Sprintf("task must be created in %s or %s, got %s", StatusCreated, StatusPending, t.status),
			nil, map[string]any{"task_id": id})
	}
	if err := t.progress.Validate(); err != nil {
		return nil, rollout.CloneError(rollout.ErrValidation, err.Error(), nil, map[string]any{"task_id": id})
	}
	if err := t.execRange.Validate(totalStages); err != nil {
		return nil, rollout.CloneError(rollout.ErrValidation, err.Error(), nil, map[string]any{"task_id": id})
	}

	t.createdAt = t.now()
	t.updatedAt = t.createdAt
	return t, nil
}

func (t *Task) ID() string       { return t.id }
func (t *Task) PlanID() string   { return t.planID }
func (t *Task) TenantID() string { return t.tenantID }

func (t *Task) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

func (t *Task) Progress() StageProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

func (t *Task) Range() ExecutionRange {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.execRange
}

func (t *Task) RetryPolicy() RetryPolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retry
}

func (t *Task) RollbackIntent() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rollbackIntent
}

func (t *Task) LastCompletedStage() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastCompletedStage
}

func (t *Task) LastFailure() *rollout.FailureInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastFailure.Clone()
}

// Duration is the length of the last run; ok is false unless that run ended
// in COMPLETED, FAILED, ROLLED_BACK or ROLLBACK_FAILED.
func (t *Task) Duration() (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration, t.hasDuration
}

// DurationMillis is Duration in milliseconds.
func (t *Task) DurationMillis() (int64, bool) {
	d, ok := t.Duration()
	return d.Milliseconds(), ok
}

// CanTransition reports the status the trigger would lead to. A rejected
// query returns the current status and false; it never errors.
func (t *Task) CanTransition(trigger Trigger) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := lookupTransition(t.status, trigger)
	if !ok {
		return t.status, false
	}
	if tr.guard != nil && tr.guard(t, transitionInput{}) != "" {
		return t.status, false
	}
	return tr.to, true
}

// applyLocked runs one transition. Caller holds t.mu.
func (t *Task) applyLocked(trigger Trigger, in transitionInput) error {
	from := t.status
	tr, ok := lookupTransition(from, trigger)
	if !ok {
		return &IllegalStateTransition{
			TaskID:  t.id,
			Trigger: trigger,
			From:    from,
			To:      targetsByTrigger[trigger],
			Reason:  "not allowed from current status",
		}
	}
	if tr.guard != nil {
		if reason := tr.guard(t, in); reason != "" {
			return &IllegalStateTransition{
				TaskID:  t.id,
				Trigger: trigger,
				From:    from,
				To:      tr.to,
				Reason:  reason,
			}
		}
	}

	t.status = tr.to
	t.updatedAt = t.now()
	switch {
	case tr.to.recordsDuration():
		if !t.runStartedAt.IsZero() {
			t.duration = t.updatedAt.Sub(t.runStartedAt)
		} else {
			t.duration = 0
		}
		t.hasDuration = true
	case tr.to == StatusPaused || tr.to == StatusCancelled:
		t.duration = 0
		t.hasDuration = false
	}
	return nil
}

func (t *Task) beginRunLocked() {
	t.runStartedAt = t.now()
	t.duration = 0
	t.hasDuration = false
	t.lastFailure = nil
}

// BeginValidation moves a CREATED task into VALIDATING.
func (t *Task) BeginValidation() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(TriggerValidate, transitionInput{})
}

// PassValidation moves a VALIDATING task to PENDING.
func (t *Task) PassValidation() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(TriggerValidationPassed, transitionInput{})
}

// FailValidation moves a VALIDATING task to VALIDATION_FAILED.
func (t *Task) FailValidation(info *rollout.FailureInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerValidationFailed, transitionInput{}); err != nil {
		return err
	}
	t.lastFailure = info.Clone()
	t.recordLocked(EventValidationFailed, withFailure(info))
	return nil
}

// Start moves a PENDING task to RUNNING.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerStart, transitionInput{}); err != nil {
		return err
	}
	t.beginRunLocked()
	t.recordLocked(EventStarted)
	return nil
}

// PauseTask moves a RUNNING task to PAUSED.
func (t *Task) PauseTask() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerPause, transitionInput{}); err != nil {
		return err
	}
	t.recordLocked(EventPaused)
	return nil
}

// Resume moves a PAUSED task back to RUNNING through RESUMING.
func (t *Task) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerResume, transitionInput{}); err != nil {
		return err
	}
	if err := t.applyLocked(TriggerResumed, transitionInput{}); err != nil {
		return err
	}
	t.beginRunLocked()
	t.recordLocked(EventResumed)
	return nil
}

// Retry moves a FAILED or ROLLED_BACK task back to RUNNING while the retry
// budget allows it. Without fromCheckpoint the progress cursor is reset so
// the run starts again at the first stage.
func (t *Task) Retry(fromCheckpoint bool, maxRetryOverride *int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerRetry, transitionInput{maxRetryOverride: maxRetryOverride}); err != nil {
		return err
	}
	t.retry.RetryCount++
	t.retryInFlight = true
	t.rollbackIntent = false
	if !fromCheckpoint {
		t.progress.LastCompletedIndex = -1
		t.lastCompletedStage = ""
	}
	t.beginRunLocked()
	t.recordLocked(EventRetryStarted, func(e *Event) {
		e.Metadata = map[string]any{"from_checkpoint": fromCheckpoint}
	})
	return nil
}

// MarkRetry flags a freshly started run as a retry of an earlier task, for
// tasks recovered from a checkpoint.
func (t *Task) MarkRetry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retryInFlight = true
	t.recordLocked(EventRetryStarted, func(e *Event) {
		e.Metadata = map[string]any{"from_checkpoint": true, "recovered": true}
	})
}

// RequestRollback records the rollback intent and begins the rollback run.
func (t *Task) RequestRollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.rollbackIntent
	t.rollbackIntent = true
	if err := t.beginRollbackLocked(); err != nil {
		t.rollbackIntent = prev
		return err
	}
	return nil
}

// BeginRollback moves the task to ROLLING_BACK.
func (t *Task) BeginRollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.beginRollbackLocked()
}

func (t *Task) beginRollbackLocked() error {
	if err := t.applyLocked(TriggerRollback, transitionInput{}); err != nil {
		return err
	}
	t.retryInFlight = false
	t.beginRunLocked()
	t.recordLocked(EventRollingBack)
	return nil
}

// CompleteRollback moves a ROLLING_BACK task to ROLLED_BACK.
func (t *Task) CompleteRollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completeRollbackLocked()
}

func (t *Task) completeRollbackLocked() error {
	if err := t.applyLocked(TriggerRollbackComplete, transitionInput{}); err != nil {
		return err
	}
	t.rollbackIntent = false
	t.recordLocked(EventRolledBack)
	return nil
}

// FailRollback moves a ROLLING_BACK task to ROLLBACK_FAILED.
func (t *Task) FailRollback(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failRollbackLocked(rollout.NewFailure(rollout.ErrorTypeSystem, reason))
}

func (t *Task) failRollbackLocked(info *rollout.FailureInfo) error {
	if err := t.applyLocked(TriggerRollbackFail, transitionInput{}); err != nil {
		return err
	}
	t.lastFailure = info.Clone()
	t.recordLocked(EventRollbackFailed, withFailure(info))
	return nil
}

// SetRange installs the execution range for the run about to start and
// positions the progress cursor just before its first stage.
func (t *Task) SetRange(r ExecutionRange) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := t.progress.TotalStages
	if err := r.Validate(total); err != nil {
		return rollout.CloneError(rollout.ErrValidation, err.Error(), nil, map[string]any{"task_id": t.id})
	}
	t.execRange = r
	t.progress.LastCompletedIndex = r.StartIndex - 1
	return nil
}

// MarkStageStarted records a stage-started event.
func (t *Task) MarkStageStarted(name string, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(EventStageStarted, withStage(name, index))
}

// CompleteStage advances the progress cursor past the named stage. Reaching
// the end of the range completes the task (or the rollback).
func (t *Task) CompleteStage(name string, duration time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status != StatusRunning && t.status != StatusRollingBack {
		return &IllegalStateTransition{
			TaskID:  t.id,
			Trigger: TriggerComplete,
			From:    t.status,
			To:      t.status,
			Reason:  "stage completion requires an active run",
		}
	}
	total := t.progress.TotalStages
	next := t.progress.LastCompletedIndex + 1
	if next >= t.execRange.EffectiveEndIndex(total) {
		return &IllegalStateTransition{
			TaskID:  t.id,
			Trigger: TriggerComplete,
			From:    t.status,
			To:      t.status,
			Reason:  fmt.Sprintf("stage index %d outside range %s", next, t.execRange),
		}
	}

	t.progress.LastCompletedIndex = next
	t.lastCompletedStage = name
	t.updatedAt = t.now()
	t.recordLocked(EventStageCompleted, withStage(name, next), func(e *Event) {
		e.Metadata = map[string]any{"duration_ms": duration.Milliseconds()}
	})

	if next+1 >= t.execRange.EffectiveEndIndex(total) {
		return t.finishRangeLocked()
	}
	return nil
}

// FinishRange completes a run whose range is exhausted, including an empty
// range. It is a no-op once the run already finished.
func (t *Task) FinishRange() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCompleted || t.status == StatusRolledBack {
		return nil
	}
	total := t.progress.TotalStages
	if t.progress.LastCompletedIndex+1 < t.execRange.EffectiveEndIndex(total) {
		return &IllegalStateTransition{
			TaskID:  t.id,
			Trigger: TriggerComplete,
			From:    t.status,
			To:      StatusCompleted,
			Reason:  fmt.Sprintf("range %s not exhausted", t.execRange),
		}
	}
	return t.finishRangeLocked()
}

func (t *Task) finishRangeLocked() error {
	if t.status == StatusRollingBack {
		return t.completeRollbackLocked()
	}
	if err := t.applyLocked(TriggerComplete, transitionInput{}); err != nil {
		return err
	}
	t.recordLocked(EventCompleted)
	if t.retryInFlight {
		t.retryInFlight = false
		t.recordLocked(EventRetryCompleted)
	}
	return nil
}

// FailStage records a stage failure and fails the task.
func (t *Task) FailStage(name string, index int, info *rollout.FailureInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info = info.WithStage(name)
	if info == nil {
		info = rollout.NewFailure(rollout.ErrorTypeSystem, "stage failed without failure info").WithStage(name)
	}
	if t.status != StatusRunning && t.status != StatusRollingBack {
		return &IllegalStateTransition{
			TaskID:  t.id,
			Trigger: TriggerFail,
			From:    t.status,
			To:      StatusFailed,
			Reason:  "stage failure requires an active run",
		}
	}
	t.recordLocked(EventStageFailed, withStage(name, index), withFailure(info))
	return t.failLocked(info)
}

// FailTask fails the task; while rolling back it fails the rollback instead.
func (t *Task) FailTask(info *rollout.FailureInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if info == nil {
		info = rollout.NewFailure(rollout.ErrorTypeSystem, "task failed")
	}
	return t.failLocked(info)
}

func (t *Task) failLocked(info *rollout.FailureInfo) error {
	if t.status == StatusRollingBack {
		return t.failRollbackLocked(info)
	}
	if err := t.applyLocked(TriggerFail, transitionInput{}); err != nil {
		return err
	}
	t.retryInFlight = false
	t.lastFailure = info.Clone()
	t.recordLocked(EventFailed, withFailure(info))
	return nil
}

// Cancel moves any non-terminal task to CANCELLED.
func (t *Task) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.applyLocked(TriggerCancel, transitionInput{}); err != nil {
		return err
	}
	t.retryInFlight = false
	t.recordLocked(EventCancelled)
	return nil
}

// Snapshot is a read-only copy of the aggregate, suitable for projections.
type Snapshot struct {
	ID                 string               `json:"id"`
	PlanID             string               `json:"plan_id"`
	TenantID           string               `json:"tenant_id"`
	Status             Status               `json:"status"`
	Progress           StageProgress        `json:"progress"`
	Range              ExecutionRange       `json:"range"`
	Retry              RetryPolicy          `json:"retry"`
	RollbackIntent     bool                 `json:"rollback_intent"`
	LastCompletedStage string               `json:"last_completed_stage,omitempty"`
	DurationMillis     *int64               `json:"duration_millis,omitempty"`
	LastFailure        *rollout.FailureInfo `json:"last_failure,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := Snapshot{
		ID:                 t.id,
		PlanID:             t.planID,
		TenantID:           t.tenantID,
		Status:             t.status,
		Progress:           t.progress,
		Range:              t.execRange,
		Retry:              t.retry,
		RollbackIntent:     t.rollbackIntent,
		LastCompletedStage: t.lastCompletedStage,
		LastFailure:        t.lastFailure.Clone(),
		CreatedAt:          t.createdAt,
		UpdatedAt:          t.updatedAt,
	}
	if t.hasDuration {
		ms := t.duration.Milliseconds()
		snap.DurationMillis = &ms
	}
	return snap
}

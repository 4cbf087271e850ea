package stage

import (
	"sync"
	"sync/atomic"

	rollout "github.com/goliatone/go-rollout"
)

// ExecutionMode tells stages and steps which kind of run is in progress.
type ExecutionMode string

const (
	ModeNormal   ExecutionMode = "NORMAL"
	ModeResume   ExecutionMode = "RESUME"
	ModeRetry    ExecutionMode = "RETRY"
	ModeRollback ExecutionMode = "ROLLBACK"
)

// RetryRequest asks the next execution to retry a failed task.
type RetryRequest struct {
	FromCheckpoint   bool
	MaxRetryOverride *int
}

// RollbackRequest asks the next execution to roll back to TargetVersion.
type RollbackRequest struct {
	TargetVersion string
}

// Log correlation fields.
const (
	TagTaskID   = "task_id"
	TagPlanID   = "plan_id"
	TagTenantID = "tenant_id"
	TagStage    = "stage"
)

// RuntimeContext is the per-execution state shared by the executor and the
// steps of its stages.
//
// Control flags are written by controlling goroutines and read by the
// executing one, so they are atomic. The scratch map is owned by the
// goroutine running the stages and is not synchronised.
type RuntimeContext struct {
	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
	retryRequest    atomic.Pointer[RetryRequest]
	rollbackRequest atomic.Pointer[RollbackRequest]

	startIndex atomic.Int64
	mode       atomic.Value

	tagMu  sync.RWMutex
	tags   map[string]any
	base   rollout.Logger
	values map[string]any
}

// NewRuntimeContext creates a context logging through logger.
func NewRuntimeContext(logger rollout.Logger) *RuntimeContext {
	rc := &RuntimeContext{
		base:   rollout.NormalizeLogger(logger),
		tags:   make(map[string]any),
		values: make(map[string]any),
	}
	rc.mode.Store(ModeNormal)
	return rc
}

func (rc *RuntimeContext) RequestPause()          { rc.pauseRequested.Store(true) }
func (rc *RuntimeContext) ClearPause()            { rc.pauseRequested.Store(false) }
func (rc *RuntimeContext) IsPauseRequested() bool { return rc.pauseRequested.Load() }

func (rc *RuntimeContext) RequestCancel()          { rc.cancelRequested.Store(true) }
func (rc *RuntimeContext) ClearCancel()            { rc.cancelRequested.Store(false) }
func (rc *RuntimeContext) IsCancelRequested() bool { return rc.cancelRequested.Load() }

// RequestRetry records a retry request for the next execution.
func (rc *RuntimeContext) RequestRetry(fromCheckpoint bool, maxRetryOverride *int) {
	req := &RetryRequest{FromCheckpoint: fromCheckpoint}
	if maxRetryOverride != nil {
		v := *maxRetryOverride
		req.MaxRetryOverride = &v
	}
	rc.retryRequest.Store(req)
}

// RetryRequested returns the pending retry request, if any.
func (rc *RuntimeContext) RetryRequested() (RetryRequest, bool) {
	req := rc.retryRequest.Load()
	if req == nil {
		return RetryRequest{}, false
	}
	return *req, true
}

func (rc *RuntimeContext) ClearRetry() { rc.retryRequest.Store(nil) }

// RequestRollback records a rollback request for the next execution.
func (rc *RuntimeContext) RequestRollback(targetVersion string) {
	rc.rollbackRequest.Store(&RollbackRequest{TargetVersion: targetVersion})
}

// RollbackRequested returns the pending rollback request, if any.
func (rc *RuntimeContext) RollbackRequested() (RollbackRequest, bool) {
	req := rc.rollbackRequest.Load()
	if req == nil {
		return RollbackRequest{}, false
	}
	return *req, true
}

func (rc *RuntimeContext) ClearRollback() { rc.rollbackRequest.Store(nil) }

// SetStartIndex and SetMode are written by the preparer before the stage
// loop starts.
func (rc *RuntimeContext) SetStartIndex(i int) { rc.startIndex.Store(int64(i)) }
func (rc *RuntimeContext) StartIndex() int     { return int(rc.startIndex.Load()) }

func (rc *RuntimeContext) SetMode(mode ExecutionMode) { rc.mode.Store(mode) }

func (rc *RuntimeContext) Mode() ExecutionMode {
	if mode, ok := rc.mode.Load().(ExecutionMode); ok {
		return mode
	}
	return ModeNormal
}

// InjectTask tags subsequent log lines with the task identity.
func (rc *RuntimeContext) InjectTask(taskID, planID, tenantID string) {
	rc.tagMu.Lock()
	defer rc.tagMu.Unlock()
	rc.tags[TagTaskID] = taskID
	if planID != "" {
		rc.tags[TagPlanID] = planID
	}
	rc.tags[TagTenantID] = tenantID
}

// InjectStage tags subsequent log lines with the running stage.
func (rc *RuntimeContext) InjectStage(name string) {
	rc.tagMu.Lock()
	defer rc.tagMu.Unlock()
	rc.tags[TagStage] = name
}

func (rc *RuntimeContext) ClearStage() {
	rc.tagMu.Lock()
	defer rc.tagMu.Unlock()
	delete(rc.tags, TagStage)
}

func (rc *RuntimeContext) ClearTags() {
	rc.tagMu.Lock()
	defer rc.tagMu.Unlock()
	rc.tags = make(map[string]any)
}

// Tags returns a copy of the current correlation tags.
func (rc *RuntimeContext) Tags() map[string]any {
	rc.tagMu.RLock()
	defer rc.tagMu.RUnlock()
	out := make(map[string]any, len(rc.tags))
	for k, v := range rc.tags {
		out[k] = v
	}
	return out
}

// Logger returns the base logger carrying the current tags.
func (rc *RuntimeContext) Logger() rollout.Logger {
	return rollout.WithFields(rc.base, rc.Tags())
}

// Put stores a value for later steps.
func (rc *RuntimeContext) Put(key string, value any) {
	rc.values[key] = value
}

func (rc *RuntimeContext) Get(key string) (any, bool) {
	v, ok := rc.values[key]
	return v, ok
}

func (rc *RuntimeContext) Delete(key string) {
	delete(rc.values, key)
}

// Value reads a typed value from the scratch space.
func Value[T any](rc *RuntimeContext, key string) (T, bool) {
	var zero T
	raw, ok := rc.Get(key)
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

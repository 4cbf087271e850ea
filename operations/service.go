// Package operations is the request facade over the executor: it owns the
// registry of live runs, takes the tenant lock and runs each execution on a
// bounded worker group.
package operations

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goliatone/go-errors"
	"golang.org/x/sync/errgroup"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/recovery"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
)

const ErrCodeBusy = "OPERATIONS_BUSY"

// ErrBusy is returned when every worker is taken.
var ErrBusy = errors.New("no worker available", errors.CategoryConflict).
	WithTextCode(ErrCodeBusy)

type run struct {
	task *task.Task
	rc   *stage.RuntimeContext
	exec *executor.Executor
	deps executor.Dependencies

	running atomic.Bool
	mu      sync.Mutex
	last    *executor.TaskResult
}

func (r *run) setLast(res executor.TaskResult) {
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()
}

func (r *run) lastResult() *executor.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// Service schedules and controls task executions.
type Service struct {
	ctx    context.Context
	group  *errgroup.Group
	logger rollout.Logger

	lock      executor.TenantLock
	publisher executor.EventPublisher
	sequencer executor.Sequencer
	recovery  *recovery.Procedure
	execOpts  []executor.Option
	onResult  func(executor.TaskResult)
	limit     int

	mu   sync.RWMutex
	runs map[string]*run
}

// Option customizes a Service.
type Option func(*Service)

func WithLogger(logger rollout.Logger) Option {
	return func(s *Service) { s.logger = rollout.NormalizeLogger(logger) }
}

// WithTenantLock sets the lock taken before a run is scheduled.
func WithTenantLock(lock executor.TenantLock) Option {
	return func(s *Service) { s.lock = lock }
}

func WithPublisher(p executor.EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

func WithSequencer(seq executor.Sequencer) Option {
	return func(s *Service) {
		if seq != nil {
			s.sequencer = seq
		}
	}
}

// WithRecovery enables RetryFromCheckpoint and RollbackFromCheckpoint.
func WithRecovery(p *recovery.Procedure) Option {
	return func(s *Service) { s.recovery = p }
}

// WithExecutorOptions are applied to every executor the service builds.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(s *Service) { s.execOpts = append(s.execOpts, opts...) }
}

// WithResultHandler is called with every finished execution.
func WithResultHandler(fn func(executor.TaskResult)) Option {
	return func(s *Service) { s.onResult = fn }
}

// WithMaxConcurrent caps the number of executions running at once.
func WithMaxConcurrent(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.limit = n
		}
	}
}

// NewService builds a service whose executions run under ctx.
func NewService(ctx context.Context, opts ...Option) *Service {
	if ctx == nil {
		ctx = context.Background()
	}
	s := &Service{
		ctx:       ctx,
		logger:    rollout.NopLogger{},
		sequencer: executor.NewMemorySequencer(),
		limit:     config.DefaultMaxWorkers,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.group = &errgroup.Group{}
	s.group.SetLimit(s.limit)
	return s
}

// Start registers t and schedules its first execution.
func (s *Service) Start(ctx context.Context, t *task.Task, deps executor.Dependencies) OperationResult {
	if t == nil {
		return rejected(OpStart, "", rollout.CloneError(rollout.ErrValidation, "task is required", nil, nil))
	}
	r, err := s.register(t, deps)
	if err != nil {
		return rejected(OpStart, t.ID(), err)
	}
	return s.launch(ctx, OpStart, r, "execution scheduled")
}

// Pause asks a RUNNING task to stop after its current stage. The answer is
// immediate; the task reaches PAUSED at the next stage boundary. Rollbacks
// cannot be paused.
func (s *Service) Pause(taskID string) OperationResult {
	r, err := s.get(taskID)
	if err != nil {
		return rejected(OpPause, taskID, err)
	}
	if !r.running.Load() {
		return rejected(OpPause, taskID, stateError(r.task, "task is not running"))
	}
	if status := r.task.Status(); status != task.StatusRunning {
		return rejected(OpPause, taskID, stateError(r.task, fmt.Sprintf("cannot pause a task in status %s", status)))
	}
	r.rc.RequestPause()
	return accepted(OpPause, r.task, "pause requested")
}

// Cancel stops a task. A running task is cancelled at the next stage
// boundary; an idle one is cancelled immediately and its lock released.
func (s *Service) Cancel(ctx context.Context, taskID string) OperationResult {
	r, err := s.get(taskID)
	if err != nil {
		return rejected(OpCancel, taskID, err)
	}
	if r.running.Load() {
		r.rc.RequestCancel()
		return accepted(OpCancel, r.task, "cancel requested")
	}
	if err := r.task.Cancel(); err != nil {
		return rejected(OpCancel, taskID, err)
	}
	s.flush(ctx, r.task)
	s.release(ctx, r.task)
	return accepted(OpCancel, r.task, "task cancelled")
}

// Resume continues a paused task from the stage after its last completed one.
func (s *Service) Resume(ctx context.Context, taskID string) OperationResult {
	r, err := s.get(taskID)
	if err != nil {
		return rejected(OpResume, taskID, err)
	}
	if status := r.task.Status(); status != task.StatusPaused {
		return rejected(OpResume, taskID, stateError(r.task, fmt.Sprintf("cannot resume a task in status %s", status)))
	}
	return s.launch(ctx, OpResume, r, "resume scheduled")
}

// Retry schedules another run of a failed, rolled back or paused task.
func (s *Service) Retry(ctx context.Context, taskID string, fromCheckpoint bool, maxRetryOverride *int) OperationResult {
	r, err := s.get(taskID)
	if err != nil {
		return rejected(OpRetry, taskID, err)
	}
	if r.running.Load() {
		return rejected(OpRetry, taskID, stateError(r.task, "task is already running"))
	}
	r.rc.RequestRetry(fromCheckpoint, maxRetryOverride)
	return s.launch(ctx, OpRetry, r, "retry scheduled")
}

// Rollback schedules a run that re-applies previous. A nil previous keeps
// the snapshot the task was registered with.
func (s *Service) Rollback(ctx context.Context, taskID, targetVersion string, previous *config.TenantConfig) OperationResult {
	r, err := s.get(taskID)
	if err != nil {
		return rejected(OpRollback, taskID, err)
	}
	if r.running.Load() {
		return rejected(OpRollback, taskID, stateError(r.task, "task is already running"))
	}
	if previous != nil {
		r.deps.PreviousConfig = previous
		r.exec = s.newExecutor(r)
	}
	r.rc.RequestRollback(targetVersion)
	return s.launch(ctx, OpRollback, r, "rollback scheduled")
}

// RetryFromCheckpoint rebuilds a task from a checkpoint and retries it from
// the stage after lastCompleted.
func (s *Service) RetryFromCheckpoint(ctx context.Context, taskID string, cfg *config.TenantConfig, lastCompleted string, deps executor.Dependencies, opts ...task.Option) OperationResult {
	if s.recovery == nil {
		return rejected(OpRetry, taskID, rollout.CloneError(rollout.ErrInvalidConfig, "recovery is not configured", nil, nil))
	}
	rec, err := s.recovery.RecoverForRetry(taskID, cfg, lastCompleted, opts...)
	if err != nil {
		return rejected(OpRetry, taskID, err)
	}
	deps.Config = cfg
	deps.Stages = rec.Stages
	deps.Factory = nil
	r, err := s.register(rec.Task, deps)
	if err != nil {
		return rejected(OpRetry, taskID, err)
	}
	r.rc.RequestRetry(true, nil)
	return s.launch(ctx, OpRetry, r, fmt.Sprintf("retry scheduled from %s", rec.Range))
}

// RollbackFromCheckpoint rebuilds a rollback task from oldCfg and schedules it.
func (s *Service) RollbackFromCheckpoint(ctx context.Context, taskID string, oldCfg *config.TenantConfig, lastCompleted string, deps executor.Dependencies, opts ...task.Option) OperationResult {
	if s.recovery == nil {
		return rejected(OpRollback, taskID, rollout.CloneError(rollout.ErrInvalidConfig, "recovery is not configured", nil, nil))
	}
	rec, err := s.recovery.RecoverForRollback(taskID, oldCfg, lastCompleted, opts...)
	if err != nil {
		return rejected(OpRollback, taskID, err)
	}
	deps.PreviousConfig = oldCfg
	deps.Stages = rec.Stages
	deps.Factory = nil
	r, err := s.register(rec.Task, deps)
	if err != nil {
		return rejected(OpRollback, taskID, err)
	}
	return s.launch(ctx, OpRollback, r, fmt.Sprintf("rollback scheduled over %s", rec.Range))
}

// Status reports the live view of a registered task.
func (s *Service) Status(taskID string) (RunStatus, error) {
	r, err := s.get(taskID)
	if err != nil {
		return RunStatus{}, err
	}
	return s.status(r), nil
}

// List reports every registered task, sorted by id.
func (s *Service) List() []RunStatus {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	out := make([]RunStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, s.status(r))
	}
	sortStatuses(out)
	return out
}

// Forget drops a task that is not running from the registry.
func (s *Service) Forget(taskID string) error {
	r, err := s.get(taskID)
	if err != nil {
		return err
	}
	if r.running.Load() {
		return stateError(r.task, "task is running")
	}
	s.mu.Lock()
	delete(s.runs, r.task.ID())
	s.mu.Unlock()
	return nil
}

// Wait blocks until every scheduled execution returned.
func (s *Service) Wait() error {
	return s.group.Wait()
}

func (s *Service) status(r *run) RunStatus {
	progress := r.task.Progress()
	return RunStatus{
		TaskID:          r.task.ID(),
		TenantID:        r.task.TenantID(),
		Status:          r.task.Status(),
		Running:         r.running.Load(),
		CurrentStage:    r.exec.CurrentStageName(),
		CompletedStages: progress.CompletedCount(),
		TotalStages:     progress.TotalStages,
		LastResult:      r.lastResult(),
	}
}

func (s *Service) register(t *task.Task, deps executor.Dependencies) (*run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[t.ID()]; ok && existing.running.Load() {
		return nil, stateError(existing.task, "task is already running")
	}
	r := &run{
		task: t,
		rc:   stage.NewRuntimeContext(s.logger),
		deps: deps,
	}
	r.exec = s.newExecutor(r)
	s.runs[t.ID()] = r
	return r, nil
}

func (s *Service) newExecutor(r *run) *executor.Executor {
	opts := []executor.Option{
		executor.WithLogger(s.logger),
		executor.WithTenantLock(s.lock),
		executor.WithSequencer(s.sequencer),
	}
	if s.publisher != nil {
		opts = append(opts, executor.WithPublisher(s.publisher))
	}
	return executor.New(r.task, r.rc, r.deps, append(opts, s.execOpts...)...)
}

func (s *Service) get(taskID string) (*run, error) {
	taskID = strings.TrimSpace(taskID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[taskID]
	if !ok {
		return nil, rollout.CloneError(rollout.ErrTaskNotFound, fmt.Sprintf("task %s not found", taskID), nil,
			map[string]any{"task_id": taskID})
	}
	return r, nil
}

// launch takes the tenant lock and hands the run to the worker group.
func (s *Service) launch(ctx context.Context, op Operation, r *run, msg string) OperationResult {
	if !r.running.CompareAndSwap(false, true) {
		return rejected(op, r.task.ID(), stateError(r.task, "task is already running"))
	}

	if s.lock != nil {
		ok, err := s.lock.TryAcquire(ctx, r.task.TenantID(), r.task.ID())
		if err != nil {
			r.running.Store(false)
			return rejected(op, r.task.ID(), err)
		}
		if !ok {
			r.running.Store(false)
			return rejected(op, r.task.ID(), rollout.CloneError(rollout.ErrLockNotAcquired,
				fmt.Sprintf("tenant %s has a task in flight", r.task.TenantID()), nil,
				map[string]any{"tenant_id": r.task.TenantID(), "task_id": r.task.ID()}))
		}
	}

	scheduled := s.group.TryGo(func() error {
		defer r.running.Store(false)
		defer rollout.MakePanicHandler(func(funcName string, value any, stack []byte) {
			failure := rollout.FailureFromPanic(funcName, value, stack)
			s.logger.Error("execution worker panicked", "task_id", r.task.ID(), "error", failure.Message)
		})("operations.worker")

		res := r.exec.Execute(s.ctx)
		r.setLast(res)
		s.logger.Info("execution finished", "task_id", res.TaskID, "status", string(res.FinalStatus),
			"completed", len(res.CompletedStages), "duration_ms", res.Duration.Milliseconds())
		if s.onResult != nil {
			s.onResult(res)
		}
		return nil
	})
	if !scheduled {
		r.running.Store(false)
		if r.task.Status() != task.StatusPaused {
			s.release(ctx, r.task)
		}
		return rejected(op, r.task.ID(), rollout.CloneError(ErrBusy,
			fmt.Sprintf("worker limit %d reached", s.limit), nil, map[string]any{"task_id": r.task.ID()}))
	}
	return accepted(op, r.task, msg)
}

func (s *Service) flush(ctx context.Context, t *task.Task) {
	events := t.PullEvents()
	if s.publisher == nil {
		return
	}
	for _, evt := range events {
		evt.SequenceID = s.sequencer.Next(evt.TaskID)
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.logger.Warn("event not published", "task_id", evt.TaskID, "event", string(evt.Type), "error", err)
		}
	}
}

func (s *Service) release(ctx context.Context, t *task.Task) {
	if s.lock == nil {
		return
	}
	if err := s.lock.Release(context.WithoutCancel(ctx), t.TenantID(), t.ID()); err != nil {
		s.logger.Warn("tenant lock not released", "task_id", t.ID(), "error", err)
	}
}

func sortStatuses(list []RunStatus) {
	sort.Slice(list, func(i, j int) bool { return list[i].TaskID < list[j].TaskID })
}

func stateError(t *task.Task, msg string) error {
	return rollout.CloneError(rollout.ErrValidation, msg, nil, map[string]any{
		"task_id": t.ID(),
		"status":  string(t.Status()),
	})
}

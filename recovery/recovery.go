// Package recovery rebuilds an executable task from a checkpoint after the
// in-memory aggregate is gone. Nothing here touches the network or storage:
// the checkpoint is the caller-supplied (task id, config, last completed
// stage) triple and the stage list comes from a deterministic factory.
package recovery

import (
	"fmt"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
)

// Recovered is a PENDING task with its rebuilt stage list and seeded range.
type Recovered struct {
	Task   *task.Task
	Stages []stage.Stage
	Range  task.ExecutionRange
	Config *config.TenantConfig
}

// Procedure recovers tasks for retry or rollback.
type Procedure struct {
	factory stage.Factory
}

func NewProcedure(factory stage.Factory) *Procedure {
	return &Procedure{factory: factory}
}

// RecoverForRetry resumes after lastCompleted, built from cfg. An empty
// lastCompleted means nothing completed and the whole list is retried.
func (p *Procedure) RecoverForRetry(taskID string, cfg *config.TenantConfig, lastCompleted string, opts ...task.Option) (*Recovered, error) {
	stages, err := p.build(cfg)
	if err != nil {
		return nil, err
	}
	total := len(stages)

	index := -1
	if lastCompleted != "" {
		start, err := p.factory.CalculateStartIndex(cfg, lastCompleted)
		if err != nil {
			return nil, invalidCheckpoint(fmt.Sprintf("stage %q not found", lastCompleted), err, lastCompleted, stages)
		}
		index = start - 1
	}
	if index+1 >= total {
		return nil, invalidCheckpoint("nothing left to retry", nil, lastCompleted, stages)
	}

	r := task.RetryRange(index, total)
	t, err := p.newTask(taskID, cfg, total, index, lastCompleted, r, false, opts)
	if err != nil {
		return nil, err
	}
	return &Recovered{Task: t, Stages: stages, Range: r, Config: cfg}, nil
}

// RecoverForRollback re-applies oldCfg from the first stage through the one
// after lastCompleted, which is the stage that failed. An empty
// lastCompleted rolls back the first stage only.
func (p *Procedure) RecoverForRollback(taskID string, oldCfg *config.TenantConfig, lastCompleted string, opts ...task.Option) (*Recovered, error) {
	stages, err := p.build(oldCfg)
	if err != nil {
		return nil, err
	}
	total := len(stages)

	index := -1
	if lastCompleted != "" {
		if index = stage.IndexOf(stages, lastCompleted); index < 0 {
			return nil, invalidCheckpoint(fmt.Sprintf("stage %q not found", lastCompleted), nil, lastCompleted, stages)
		}
	}

	r := task.RollbackRange(index, total)
	t, err := p.newTask(taskID, oldCfg, total, index, lastCompleted, r, true, opts)
	if err != nil {
		return nil, err
	}
	return &Recovered{Task: t, Stages: stages, Range: r, Config: oldCfg}, nil
}

func (p *Procedure) build(cfg *config.TenantConfig) ([]stage.Stage, error) {
	if p == nil || p.factory == nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "recovery requires a stage factory", nil, nil)
	}
	if cfg == nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "recovery requires a tenant config", nil, nil)
	}
	stages, err := p.factory.BuildStages(cfg)
	if err != nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "rebuild stages", err,
			map[string]any{"tenant_id": cfg.TenantID, "version": cfg.Version})
	}
	return stages, nil
}

func (p *Procedure) newTask(taskID string, cfg *config.TenantConfig, total, index int, lastCompleted string, r task.ExecutionRange, rollback bool, extra []task.Option) (*task.Task, error) {
	opts := []task.Option{
		task.WithStatus(task.StatusPending),
		task.WithLastCompleted(index, lastCompleted),
		task.WithRange(r),
		task.WithRollbackIntent(rollback),
	}
	return task.New(taskID, cfg.PlanID, cfg.TenantID, total, append(opts, extra...)...)
}

func invalidCheckpoint(msg string, cause error, name string, stages []stage.Stage) error {
	return rollout.CloneError(rollout.ErrInvalidCheckpoint, msg, cause, map[string]any{
		"stage":  name,
		"stages": stage.Names(stages),
	})
}

package executor

import (
	"fmt"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/task"
)

// Dependencies feed the Preparer. With a Factory the stage list is rebuilt
// from Config (or PreviousConfig for a rollback); without one Stages is used
// as is.
type Dependencies struct {
	Factory        stage.Factory
	Config         *config.TenantConfig
	PreviousConfig *config.TenantConfig
	Stages         []stage.Stage
}

// Preparation is the resolved plan for one run.
type Preparation struct {
	Intent stage.ExecutionMode
	Range  task.ExecutionRange
	Stages []stage.Stage
	Config *config.TenantConfig
}

// Preparer resolves the intent of a run: rollback, then retry, then plain
// start or resume. It performs the matching task transition, installs the
// execution range and records start index and mode on the runtime context.
type Preparer struct{}

func NewPreparer() *Preparer { return &Preparer{} }

// Prepare never runs a stage. Any failure is a VALIDATION_ERROR and leaves
// the task in the status it had when resolution failed.
func (p *Preparer) Prepare(t *task.Task, rc *stage.RuntimeContext, deps Dependencies) (Preparation, *rollout.FailureInfo) {
	if t == nil || rc == nil {
		return Preparation{}, invalidIntent("task and runtime context are required", nil)
	}

	if t.Status() == task.StatusCreated {
		if failure := p.validate(t, deps); failure != nil {
			return Preparation{}, failure
		}
	}

	if req, ok := rc.RollbackRequested(); ok || (t.RollbackIntent() && t.Status() == task.StatusPending) {
		prep, failure := p.prepareRollback(t, deps, req)
		if failure != nil {
			return Preparation{}, failure
		}
		rc.ClearRollback()
		rc.ClearRetry()
		return p.finish(t, rc, prep)
	}

	if req, ok := rc.RetryRequested(); ok {
		prep, failure := p.prepareRetry(t, deps, req)
		if failure != nil {
			return Preparation{}, failure
		}
		rc.ClearRetry()
		return p.finish(t, rc, prep)
	}

	prep, failure := p.prepareStart(t, deps)
	if failure != nil {
		return Preparation{}, failure
	}
	return p.finish(t, rc, prep)
}

func (p *Preparer) validate(t *task.Task, deps Dependencies) *rollout.FailureInfo {
	if err := t.BeginValidation(); err != nil {
		return invalidIntent("begin validation", err)
	}

	var info *rollout.FailureInfo
	if deps.Factory != nil {
		if deps.Config == nil {
			info = invalidIntent("no configuration to validate", nil)
		} else if err := deps.Config.Validate(); err != nil {
			info = invalidIntent("configuration is invalid", err)
		}
	}
	if info == nil {
		if _, failure := p.stages(t, deps, deps.Config); failure != nil {
			info = failure
		}
	}

	if info != nil {
		if err := t.FailValidation(info); err != nil {
			return invalidIntent("fail validation", err)
		}
		return info
	}
	if err := t.PassValidation(); err != nil {
		return invalidIntent("pass validation", err)
	}
	return nil
}

func (p *Preparer) prepareRollback(t *task.Task, deps Dependencies, req stage.RollbackRequest) (Preparation, *rollout.FailureInfo) {
	cfg := deps.PreviousConfig
	if deps.Factory != nil && cfg == nil {
		return Preparation{}, invalidIntent("rollback requires the previous configuration", nil)
	}
	if req.TargetVersion != "" && cfg != nil && cfg.Version != req.TargetVersion {
		return Preparation{}, invalidIntent(fmt.Sprintf("previous configuration is %s, rollback targets %s", cfg.Version, req.TargetVersion), nil)
	}
	stages, failure := p.stages(t, deps, cfg)
	if failure != nil {
		return Preparation{}, failure
	}

	total := t.Progress().TotalStages
	var r task.ExecutionRange
	if t.Status() == task.StatusPending {
		// recovered rollback task: the range was seeded at recovery time
		r = t.Range()
		if err := t.BeginRollback(); err != nil {
			return Preparation{}, invalidIntent("begin rollback", err)
		}
	} else {
		r = task.RollbackRange(t.Progress().LastCompletedIndex, total)
		if err := t.RequestRollback(); err != nil {
			return Preparation{}, invalidIntent("request rollback", err)
		}
	}
	return Preparation{Intent: stage.ModeRollback, Range: r, Stages: stages, Config: cfg}, nil
}

func (p *Preparer) prepareRetry(t *task.Task, deps Dependencies, req stage.RetryRequest) (Preparation, *rollout.FailureInfo) {
	stages, failure := p.stages(t, deps, deps.Config)
	if failure != nil {
		return Preparation{}, failure
	}

	total := t.Progress().TotalStages
	lastCompleted := t.Progress().LastCompletedIndex
	r := task.NormalRange(total)
	if req.FromCheckpoint {
		r = task.RetryRange(lastCompleted, total)
	}

	switch status := t.Status(); status {
	case task.StatusPaused:
		if err := t.Resume(); err != nil {
			return Preparation{}, invalidIntent("resume for retry", err)
		}
	case task.StatusFailed, task.StatusRolledBack:
		if err := t.Retry(req.FromCheckpoint, req.MaxRetryOverride); err != nil {
			return Preparation{}, invalidIntent("retry", err)
		}
	case task.StatusPending:
		// recovered retry task
		r = t.Range()
		if err := t.Start(); err != nil {
			return Preparation{}, invalidIntent("start recovered retry", err)
		}
		t.MarkRetry()
	default:
		return Preparation{}, invalidIntent(fmt.Sprintf("cannot retry a task in status %s", status), nil)
	}
	return Preparation{Intent: stage.ModeRetry, Range: r, Stages: stages, Config: deps.Config}, nil
}

func (p *Preparer) prepareStart(t *task.Task, deps Dependencies) (Preparation, *rollout.FailureInfo) {
	stages, failure := p.stages(t, deps, deps.Config)
	if failure != nil {
		return Preparation{}, failure
	}

	total := t.Progress().TotalStages
	switch status := t.Status(); status {
	case task.StatusPending:
		r := t.Range()
		if err := t.Start(); err != nil {
			return Preparation{}, invalidIntent("start", err)
		}
		return Preparation{Intent: stage.ModeNormal, Range: r, Stages: stages, Config: deps.Config}, nil
	case task.StatusPaused:
		r := task.RetryRange(t.Progress().LastCompletedIndex, total)
		if err := t.Resume(); err != nil {
			return Preparation{}, invalidIntent("resume", err)
		}
		return Preparation{Intent: stage.ModeResume, Range: r, Stages: stages, Config: deps.Config}, nil
	default:
		return Preparation{}, invalidIntent(fmt.Sprintf("cannot start a task in status %s", status), nil)
	}
}

func (p *Preparer) finish(t *task.Task, rc *stage.RuntimeContext, prep Preparation) (Preparation, *rollout.FailureInfo) {
	if err := t.SetRange(prep.Range); err != nil {
		return Preparation{}, invalidIntent("install execution range", err)
	}
	rc.SetStartIndex(prep.Range.StartIndex)
	rc.SetMode(prep.Intent)
	return prep, nil
}

// stages resolves the stage list and checks it matches the task's size.
func (p *Preparer) stages(t *task.Task, deps Dependencies, cfg *config.TenantConfig) ([]stage.Stage, *rollout.FailureInfo) {
	stages := deps.Stages
	if deps.Factory != nil {
		built, err := deps.Factory.BuildStages(cfg)
		if err != nil {
			return nil, invalidIntent("build stages", err)
		}
		stages = built
	}
	if total := t.Progress().TotalStages; len(stages) != total {
		return nil, invalidIntent(fmt.Sprintf("task expects %d stages, assembly produced %d", total, len(stages)), nil)
	}
	return stages, nil
}

func invalidIntent(msg string, cause error) *rollout.FailureInfo {
	info := rollout.NewFailure(rollout.ErrorTypeValidation, msg)
	if cause != nil {
		info.Message = msg + ": " + cause.Error()
		info.Cause = cause
	}
	return info
}

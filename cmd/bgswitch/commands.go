package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/checkpoint"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/operations"
	"github.com/goliatone/go-rollout/task"
)

type RunCmd struct {
	Tenant string `arg:"" type:"existingfile" help:"Tenant configuration file."`
	TaskID string `name:"task-id" help:"Task id. Generated when empty."`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	e, err := newEnv(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()

	cfg, err := config.LoadTenantConfig(c.Tenant)
	if err != nil {
		return err
	}
	stages, err := e.factory.BuildStages(cfg)
	if err != nil {
		return err
	}

	taskID := strings.TrimSpace(c.TaskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	t, err := task.New(taskID, cfg.PlanID, cfg.TenantID, len(stages), task.WithMaxRetry(e.settings.MaxRetry))
	if err != nil {
		return err
	}

	deps := executor.Dependencies{Factory: e.factory, Config: cfg}
	if e.store != nil {
		if prev, err := e.store.PreviousConfig(ctx, cfg.TenantID, cfg.Version); err == nil {
			deps.PreviousConfig = prev
		}
	}

	return e.execute(ctx, g, e.service.Start(ctx, t, deps), cfg)
}

type RetryCmd struct {
	TaskID    string `arg:"" help:"Task to retry."`
	Tenant    string `arg:"" type:"existingfile" help:"Tenant configuration file the task was rolling out."`
	FromStart bool   `help:"Ignore the checkpoint and run every stage again."`
}

func (c *RetryCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	e, err := newEnv(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireStore(); err != nil {
		return err
	}

	rec, err := e.store.Load(ctx, c.TaskID)
	if err != nil {
		return err
	}
	cfg, err := config.LoadTenantConfig(c.Tenant)
	if err != nil {
		return err
	}
	if cfg.TenantID != rec.TenantID {
		return rollout.CloneError(rollout.ErrValidation,
			fmt.Sprintf("task %s belongs to tenant %s, config is for %s", rec.TaskID, rec.TenantID, cfg.TenantID), nil, nil)
	}

	lastCompleted := rec.LastCompletedStage
	if c.FromStart {
		lastCompleted = ""
	}
	e.sequencer.Seed(rec.TaskID, rec.SequenceID)
	res := e.service.RetryFromCheckpoint(ctx, rec.TaskID, cfg, lastCompleted, executor.Dependencies{},
		task.WithMaxRetry(e.settings.MaxRetry),
		task.WithRetryCount(rec.RetryCount),
	)
	return e.execute(ctx, g, res, cfg)
}

type RollbackCmd struct {
	TaskID      string `arg:"" help:"Task whose rollout is undone."`
	Previous    string `type:"existingfile" help:"Configuration to restore. Defaults to the one applied before --from-version."`
	FromVersion string `name:"from-version" help:"Version being rolled back."`
}

func (c *RollbackCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	e, err := newEnv(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireStore(); err != nil {
		return err
	}

	rec, err := e.store.Load(ctx, c.TaskID)
	if err != nil {
		return err
	}

	var previous *config.TenantConfig
	switch {
	case c.Previous != "":
		previous, err = config.LoadTenantConfig(c.Previous)
	case c.FromVersion != "":
		previous, err = e.store.PreviousConfig(ctx, rec.TenantID, c.FromVersion)
	default:
		err = rollout.CloneError(rollout.ErrValidation, "either --previous or --from-version is required", nil, nil)
	}
	if err != nil {
		return err
	}

	e.sequencer.Seed(rec.TaskID, rec.SequenceID)
	res := e.service.RollbackFromCheckpoint(ctx, rec.TaskID, previous, rec.LastCompletedStage, executor.Dependencies{},
		task.WithMaxRetry(e.settings.MaxRetry),
		task.WithRetryCount(rec.RetryCount),
	)
	return e.execute(ctx, g, res, nil)
}

type StatusCmd struct {
	TaskID string `arg:"" optional:"" help:"Task to show. Lists every task when empty."`
	Tenant string `help:"Only list tasks of this tenant."`
	Events bool   `help:"Show the event log of the task."`
}

func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	e, err := newEnv(ctx, g)
	if err != nil {
		return err
	}
	defer e.close()
	if err := e.requireStore(); err != nil {
		return err
	}

	out := newPrinter(os.Stdout, g.Output)
	if c.TaskID == "" {
		records, err := e.store.List(ctx, c.Tenant)
		if err != nil {
			return err
		}
		return out.records(records)
	}

	rec, err := e.store.Load(ctx, c.TaskID)
	if err != nil {
		return err
	}
	if !c.Events {
		return out.records([]checkpoint.Record{rec})
	}
	events, err := e.store.Events(ctx, c.TaskID)
	if err != nil {
		return err
	}
	return out.events(events)
}

// execute waits for an accepted operation, stores the applied config on
// success and prints the outcome.
func (e *env) execute(ctx context.Context, g *Globals, res operations.OperationResult, applied *config.TenantConfig) error {
	if !res.Accepted {
		return res.Error
	}
	e.logger.Info("operation accepted", "operation", string(res.Operation), "task_id", res.TaskID, "message", res.Message)

	if err := e.service.Wait(); err != nil {
		return err
	}
	st, err := e.service.Status(res.TaskID)
	if err != nil {
		return err
	}

	if st.Status == task.StatusCompleted && applied != nil && e.store != nil {
		if err := e.store.SaveConfig(context.WithoutCancel(ctx), applied); err != nil {
			e.logger.Warn("applied config not recorded", "tenant_id", applied.TenantID, "error", err)
		}
	}

	if err := newPrinter(os.Stdout, g.Output).result(st, e.metrics); err != nil {
		return err
	}
	if last := st.LastResult; last != nil && !last.Succeeded() {
		if last.Failure != nil {
			return last.Failure.AsError()
		}
		return fmt.Errorf("task %s ended %s: %s", st.TaskID, st.Status, last.FailureMessage)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

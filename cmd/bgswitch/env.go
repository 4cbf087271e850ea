package main

import (
	"context"
	"os"
	"strings"

	"github.com/goliatone/go-logger/glog"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/assembly"
	"github.com/goliatone/go-rollout/checkpoint"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/consul"
	"github.com/goliatone/go-rollout/dispatcher"
	"github.com/goliatone/go-rollout/executor"
	"github.com/goliatone/go-rollout/kvstore"
	"github.com/goliatone/go-rollout/operations"
	"github.com/goliatone/go-rollout/recovery"
	"github.com/goliatone/go-rollout/stage"
	"github.com/goliatone/go-rollout/tenantlock"
)

// env is the wired engine for one CLI invocation.
type env struct {
	settings  config.EngineConfig
	logger    rollout.Logger
	store     *checkpoint.Store
	bus       *dispatcher.Dispatcher
	factory   *assembly.BlueGreenFactory
	sequencer *executor.MemorySequencer
	metrics   *executor.MemoryMetrics
	service   *operations.Service
}

func newEnv(ctx context.Context, g *Globals) (*env, error) {
	settings, err := config.LoadEngineConfig(g.Config)
	if err != nil {
		return nil, err
	}
	if err := settings.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	e := &env{
		settings:  settings,
		logger:    newLogger(g),
		bus:       dispatcher.NewDispatcher(),
		sequencer: executor.NewMemorySequencer(),
		metrics:   executor.NewMemoryMetrics(),
	}

	kv, lock, err := e.backends()
	if err != nil {
		return nil, err
	}

	if dsn := strings.TrimSpace(settings.Checkpoint.DSN); dsn != "" {
		store, err := checkpoint.Open(ctx, dsn, checkpoint.WithLogger(e.logger))
		if err != nil {
			return nil, err
		}
		e.store = store
		e.bus.Subscribe(executor.TopicTaskEvents, executor.EventHandler(store.Publish))
	}

	e.factory = assembly.NewBlueGreenFactory(
		assembly.WithKVStore(kv),
		assembly.WithBroadcaster(e.bus),
		assembly.WithSettings(settings),
	)

	e.service = operations.NewService(ctx,
		operations.WithLogger(e.logger),
		operations.WithTenantLock(lock),
		operations.WithPublisher(executor.DispatcherPublisher{Dispatcher: e.bus}),
		operations.WithSequencer(e.sequencer),
		operations.WithRecovery(recovery.NewProcedure(e.factory)),
		operations.WithMaxConcurrent(settings.MaxWorkers),
		operations.WithExecutorOptions(
			executor.WithMetrics(e.metrics),
			executor.WithHeartbeat(settings.HeartbeatInterval),
			executor.WithCompensateFailedStage(g.Compensate),
		),
	)
	return e, nil
}

// backends picks Consul when an address is configured and the in-memory
// store and lock otherwise.
func (e *env) backends() (stage.KVStore, executor.TenantLock, error) {
	if !e.settings.Consul.Enabled() {
		e.logger.Debug("consul disabled, using in-memory kv and tenant lock")
		return kvstore.NewMemory(), tenantlock.NewMemory(), nil
	}
	cli, err := consul.NewClient(e.settings.Consul)
	if err != nil {
		return nil, nil, err
	}
	prefix := e.settings.Consul.KeyPrefix
	e.logger.Info("using consul", "address", e.settings.Consul.Address, "prefix", prefix)
	return consul.NewKVFromClient(cli, prefix),
		consul.NewTenantLock(cli, prefix, e.settings.Consul.LockTTL),
		nil
}

// requireStore fails commands that only make sense with checkpoints.
func (e *env) requireStore() error {
	if e.store != nil {
		return nil
	}
	return rollout.CloneError(rollout.ErrInvalidConfig,
		"checkpoint store is not configured (set checkpoint.dsn or ROLLOUT_CHECKPOINT_DSN)", nil, nil)
}

func (e *env) close() {
	if e.store == nil {
		return
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("checkpoint store close failed", "error", err)
	}
}

func newLogger(g *Globals) rollout.Logger {
	if g.LogJSON {
		return rollout.NewGlogLogger(glog.NewLogger(
			glog.WithWriter(os.Stderr),
			glog.WithLevel(g.LogLevel),
			glog.WithLoggerTypeJSON(),
		))
	}
	return rollout.NewGlogLogger(glog.NewLogger(
		glog.WithWriter(os.Stderr),
		glog.WithLevel(g.LogLevel),
	))
}

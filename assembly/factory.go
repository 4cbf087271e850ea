package assembly

import (
	"fmt"
	"net/http"
	"time"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/runner"
	"github.com/goliatone/go-rollout/stage"
)

// BlueGreenFactory builds one stage per configured service, in
// config.ServiceOrder. Each stage renders the service document, then runs
// the service's targets in a fixed order: KV write, HTTP push, broadcast,
// readiness poll.
type BlueGreenFactory struct {
	kv          stage.KVStore
	broadcaster stage.Broadcaster
	client      *http.Client
	settings    config.EngineConfig
}

// Option customizes a BlueGreenFactory.
type Option func(*BlueGreenFactory)

func WithKVStore(kv stage.KVStore) Option {
	return func(f *BlueGreenFactory) { f.kv = kv }
}

func WithBroadcaster(b stage.Broadcaster) Option {
	return func(f *BlueGreenFactory) { f.broadcaster = b }
}

func WithHTTPClient(c *http.Client) Option {
	return func(f *BlueGreenFactory) {
		if c != nil {
			f.client = c
		}
	}
}

// WithSettings sets the poll, HTTP and KV tuning.
func WithSettings(cfg config.EngineConfig) Option {
	return func(f *BlueGreenFactory) {
		cfg.ApplyDefaults()
		f.settings = cfg
	}
}

func NewBlueGreenFactory(opts ...Option) *BlueGreenFactory {
	f := &BlueGreenFactory{settings: config.DefaultEngineConfig()}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.settings.HTTP.Timeout}
	}
	return f
}

func (f *BlueGreenFactory) BuildStages(cfg *config.TenantConfig) ([]stage.Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	stages := make([]stage.Stage, 0, len(cfg.Services))
	for _, name := range config.ServiceOrder {
		svc, ok := cfg.Service(name)
		if !ok {
			continue
		}
		steps, err := f.steps(cfg, svc)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage.NewCompositeStage(svc.Name, steps))
	}
	return stages, nil
}

func (f *BlueGreenFactory) CalculateStartIndex(cfg *config.TenantConfig, stageName string) (int, error) {
	stages, err := f.BuildStages(cfg)
	if err != nil {
		return 0, err
	}
	return stage.StartIndexAfter(stages, stageName)
}

func (f *BlueGreenFactory) steps(cfg *config.TenantConfig, svc config.ServiceConfig) ([]stage.Step, error) {
	payloadKey := "payload." + svc.Name
	steps := []stage.Step{renderStep{key: payloadKey, doc: newDocument(cfg, svc)}}

	if svc.KVKey != "" {
		if f.kv == nil {
			return nil, missing(svc.Name, "kv store")
		}
		steps = append(steps, stage.NewKVWriteStep("kv-write", f.kv, expandKey(svc.KVKey, cfg, svc.Name), nil,
			stage.WithValueKey(payloadKey),
			stage.WithVerify(f.settings.KV.VerifyAttempts, f.settings.KV.VerifyInterval),
		))
	}

	if svc.HasHTTP() {
		steps = append(steps, stage.NewHTTPStep("http-push", svc.Method, svc.URL(svc.ConfigPath),
			stage.WithHTTPClient(f.client),
			stage.WithBodyKey(payloadKey),
			stage.WithResponseKey("response."+svc.Name),
			stage.WithHeader("X-Tenant-ID", cfg.TenantID),
			stage.WithHTTPRetries(f.settings.HTTP.Retries, runner.ExponentialBackoffStrategy{
				Base:   200 * time.Millisecond,
				Factor: 2,
				Max:    5 * time.Second,
			}),
		))
	}

	if svc.Topic != "" {
		if f.broadcaster == nil {
			return nil, missing(svc.Name, "broadcaster")
		}
		steps = append(steps, stage.NewBroadcastStep("broadcast", f.broadcaster, svc.Topic, ChangeNotice{
			TenantID: cfg.TenantID,
			Service:  svc.Name,
			Version:  cfg.Version,
		}))
	}

	if svc.HasHealthCheck() {
		steps = append(steps, stage.NewPollStep("await-ready",
			stage.HTTPStatusCondition{Client: f.client, URL: svc.URL(svc.HealthPath)},
			stage.WithPollAttempts(f.settings.Poll.MaxAttempts),
			stage.WithPollInterval(f.settings.Poll.Interval),
		))
	}
	return steps, nil
}

func missing(service, dep string) error {
	return rollout.CloneError(rollout.ErrInvalidConfig,
		fmt.Sprintf("service %q needs a %s", service, dep), nil,
		map[string]any{"service": service})
}

package assembly

import (
	"context"
	"encoding/json"
	"strings"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
	"github.com/goliatone/go-rollout/stage"
)

// Document is the payload every target of a service receives.
type Document struct {
	TenantID string         `json:"tenant_id"`
	PlanID   string         `json:"plan_id,omitempty"`
	Version  string         `json:"version"`
	Service  string         `json:"service"`
	Config   map[string]any `json:"config,omitempty"`
}

// ChangeNotice is broadcast once a service's configuration was written.
type ChangeNotice struct {
	TenantID string `json:"tenant_id"`
	Service  string `json:"service"`
	Version  string `json:"version"`
}

func newDocument(cfg *config.TenantConfig, svc config.ServiceConfig) Document {
	return Document{
		TenantID: cfg.TenantID,
		PlanID:   cfg.PlanID,
		Version:  cfg.Version,
		Service:  svc.Name,
		Config:   svc.Payload,
	}
}

// renderStep encodes the service document into the scratch space so the
// following steps send identical bytes.
type renderStep struct {
	key string
	doc Document
}

func (s renderStep) Name() string { return "render" }

func (s renderStep) Execute(_ context.Context, rc *stage.RuntimeContext) stage.StepResult {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return stage.Fail(rollout.FailureFromError(err, rollout.ErrorTypeValidation).WithRetryable(false))
	}
	rc.Put(s.key, data)
	return stage.Ok()
}

// expandKey substitutes {tenant}, {service} and {version} in a KV key.
func expandKey(key string, cfg *config.TenantConfig, service string) string {
	return strings.NewReplacer(
		"{tenant}", cfg.TenantID,
		"{service}", service,
		"{version}", cfg.Version,
	).Replace(key)
}

package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	rollout "github.com/goliatone/go-rollout"
)

// Known blue-green services, in the order they are switched.
const (
	ServiceASBCGateway      = "asbc-gateway"
	ServicePortal           = "portal"
	ServiceBlueGreenGateway = "blue-green-gateway"
	ServiceOBService        = "ob-service"
)

// ServiceOrder is the deterministic switch order.
var ServiceOrder = []string{
	ServiceASBCGateway,
	ServicePortal,
	ServiceBlueGreenGateway,
	ServiceOBService,
}

// ServiceConfig describes how one downstream service receives the tenant
// configuration. Every non-empty target becomes one step of the service's
// stage.
type ServiceConfig struct {
	Name string `yaml:"name" json:"name"`

	// KVKey receives the rendered payload in the key-value store.
	KVKey string `yaml:"kv_key,omitempty" json:"kv_key,omitempty"`
	// Topic receives a change notification on the broadcast bus.
	Topic string `yaml:"topic,omitempty" json:"topic,omitempty"`
	// Endpoint plus ConfigPath receive the payload over HTTP.
	Endpoint   string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	ConfigPath string `yaml:"config_path,omitempty" json:"config_path,omitempty"`
	Method     string `yaml:"method,omitempty" json:"method,omitempty"`
	// HealthPath is polled on Endpoint until it answers 2xx.
	HealthPath string `yaml:"health_path,omitempty" json:"health_path,omitempty"`

	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// HasHTTP reports whether the service takes its configuration over HTTP.
func (s ServiceConfig) HasHTTP() bool {
	return s.Endpoint != "" && s.ConfigPath != ""
}

// HasHealthCheck reports whether readiness should be polled.
func (s ServiceConfig) HasHealthCheck() bool {
	return s.Endpoint != "" && s.HealthPath != ""
}

// URL joins Endpoint and path.
func (s ServiceConfig) URL(path string) string {
	return strings.TrimRight(s.Endpoint, "/") + "/" + strings.TrimLeft(path, "/")
}

// TenantConfig is one configuration version for one tenant.
type TenantConfig struct {
	TenantID string          `yaml:"tenant_id" json:"tenant_id"`
	PlanID   string          `yaml:"plan_id,omitempty" json:"plan_id,omitempty"`
	Version  string          `yaml:"version" json:"version"`
	Services []ServiceConfig `yaml:"services" json:"services"`
}

// Service returns the named service config.
func (c *TenantConfig) Service(name string) (ServiceConfig, bool) {
	if c == nil {
		return ServiceConfig{}, false
	}
	for _, svc := range c.Services {
		if svc.Name == name {
			return svc, true
		}
	}
	return ServiceConfig{}, false
}

// Validate checks identity, versioning and service definitions.
func (c *TenantConfig) Validate() error {
	if c == nil {
		return invalid("tenant config is required", nil)
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return invalid("tenant_id is required", nil)
	}
	if strings.TrimSpace(c.Version) == "" {
		return invalid("version is required", map[string]any{"tenant_id": c.TenantID})
	}
	if len(c.Services) == 0 {
		return invalid("at least one service is required", map[string]any{"tenant_id": c.TenantID})
	}

	seen := make(map[string]struct{}, len(c.Services))
	for i, svc := range c.Services {
		meta := map[string]any{"tenant_id": c.TenantID, "service_index": i, "service": svc.Name}
		if !knownService(svc.Name) {
			return invalid(fmt.Sprintf("unknown service %q", svc.Name), meta)
		}
		if _, dup := seen[svc.Name]; dup {
			return invalid(fmt.Sprintf("duplicate service %q", svc.Name), meta)
		}
		seen[svc.Name] = struct{}{}

		if svc.KVKey == "" && svc.Topic == "" && !svc.HasHTTP() && !svc.HasHealthCheck() {
			return invalid(fmt.Sprintf("service %q has no targets", svc.Name), meta)
		}
		if svc.Endpoint != "" {
			u, err := url.Parse(svc.Endpoint)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return invalid(fmt.Sprintf("service %q has invalid endpoint %q", svc.Name, svc.Endpoint), meta)
			}
		}
		if (svc.ConfigPath != "" || svc.HealthPath != "") && svc.Endpoint == "" {
			return invalid(fmt.Sprintf("service %q sets a path without an endpoint", svc.Name), meta)
		}
	}
	return nil
}

func knownService(name string) bool {
	for _, known := range ServiceOrder {
		if known == name {
			return true
		}
	}
	return false
}

// ParseTenantConfig parses YAML (or JSON) into a validated TenantConfig.
func ParseTenantConfig(data []byte) (*TenantConfig, error) {
	var cfg TenantConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "parse tenant config", err, nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadTenantConfig reads and parses a tenant config file.
func LoadTenantConfig(path string) (*TenantConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "read tenant config", err, map[string]any{"path": path})
	}
	return ParseTenantConfig(data)
}

func invalid(msg string, meta map[string]any) error {
	return rollout.CloneError(rollout.ErrInvalidConfig, msg, nil, meta)
}

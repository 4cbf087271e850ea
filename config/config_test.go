package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rollout "github.com/goliatone/go-rollout"
)

const tenantYAML = `
tenant_id: acme
plan_id: plan-7
version: v2
services:
  - name: portal
    endpoint: http://portal.local
    config_path: /admin/config
    health_path: /healthz
  - name: asbc-gateway
    kv_key: bluegreen/acme/asbc
    topic: config.asbc
    payload:
      color: green
`

func TestParseTenantConfig(t *testing.T) {
	cfg, err := ParseTenantConfig([]byte(tenantYAML))
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.TenantID)
	assert.Equal(t, "v2", cfg.Version)
	require.Len(t, cfg.Services, 2)

	portal, ok := cfg.Service(ServicePortal)
	require.True(t, ok)
	assert.True(t, portal.HasHTTP())
	assert.True(t, portal.HasHealthCheck())
	assert.Equal(t, "http://portal.local/healthz", portal.URL(portal.HealthPath))

	asbc, ok := cfg.Service(ServiceASBCGateway)
	require.True(t, ok)
	assert.Equal(t, "green", asbc.Payload["color"])
	assert.False(t, asbc.HasHTTP())
}

func TestTenantConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  TenantConfig
	}{
		{name: "missing tenant", cfg: TenantConfig{Version: "v1", Services: []ServiceConfig{{Name: ServicePortal, KVKey: "k"}}}},
		{name: "missing version", cfg: TenantConfig{TenantID: "t", Services: []ServiceConfig{{Name: ServicePortal, KVKey: "k"}}}},
		{name: "no services", cfg: TenantConfig{TenantID: "t", Version: "v1"}},
		{name: "unknown service", cfg: TenantConfig{TenantID: "t", Version: "v1", Services: []ServiceConfig{{Name: "billing", KVKey: "k"}}}},
		{name: "duplicate service", cfg: TenantConfig{TenantID: "t", Version: "v1", Services: []ServiceConfig{
			{Name: ServicePortal, KVKey: "a"}, {Name: ServicePortal, KVKey: "b"},
		}}},
		{name: "no targets", cfg: TenantConfig{TenantID: "t", Version: "v1", Services: []ServiceConfig{{Name: ServicePortal}}}},
		{name: "bad endpoint", cfg: TenantConfig{TenantID: "t", Version: "v1", Services: []ServiceConfig{
			{Name: ServicePortal, Endpoint: "not a url", HealthPath: "/h"},
		}}},
		{name: "path without endpoint", cfg: TenantConfig{TenantID: "t", Version: "v1", Services: []ServiceConfig{
			{Name: ServicePortal, KVKey: "k", HealthPath: "/h"},
		}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			require.Error(t, err)
			assert.True(t, rollout.HasCode(err, rollout.ErrCodeInvalidConfig))
		})
	}
}

func TestLoadTenantConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(tenantYAML), 0o600))

	cfg, err := LoadTenantConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "plan-7", cfg.PlanID)

	_, err = LoadTenantConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEngineConfigDefaults(t *testing.T) {
	cfg, err := ParseEngineConfig(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultHeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultMaxRetry, cfg.MaxRetry)
	assert.Equal(t, DefaultPollAttempts, cfg.Poll.MaxAttempts)
	assert.Equal(t, DefaultHTTPRetries, cfg.HTTP.Retries)
	assert.Equal(t, "bluegreen", cfg.Consul.KeyPrefix)
	assert.False(t, cfg.Consul.Enabled())
}

func TestEngineConfigParsesDurations(t *testing.T) {
	cfg, err := ParseEngineConfig([]byte(`
heartbeat_interval: 3s
max_retry: -1
http:
  retries: -1
poll:
  interval: 250ms
  max_attempts: 4
consul:
  address: 127.0.0.1:8500
`))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, -1, cfg.MaxRetry)
	assert.Equal(t, 0, cfg.HTTP.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.Interval)
	assert.Equal(t, 4, cfg.Poll.MaxAttempts)
	assert.True(t, cfg.Consul.Enabled())
}

func TestEngineConfigRejectsSubSecondHeartbeat(t *testing.T) {
	_, err := ParseEngineConfig([]byte("heartbeat_interval: 100ms\n"))
	require.Error(t, err)
}

func TestEngineConfigApplyEnv(t *testing.T) {
	cfg := DefaultEngineConfig()
	env := map[string]string{
		"ROLLOUT_CONSUL_ADDR":        "consul:8500",
		"ROLLOUT_CHECKPOINT_DSN":     "file:cp.db",
		"ROLLOUT_HEARTBEAT_INTERVAL": "5s",
		"ROLLOUT_MAX_RETRY":          "7",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	require.NoError(t, cfg.ApplyEnv(lookup))

	assert.Equal(t, "consul:8500", cfg.Consul.Address)
	assert.Equal(t, "file:cp.db", cfg.Checkpoint.DSN)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 7, cfg.MaxRetry)

	env["ROLLOUT_MAX_RETRY"] = "many"
	require.Error(t, cfg.ApplyEnv(lookup))
}

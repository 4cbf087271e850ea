package consul

import (
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"

	rollout "github.com/goliatone/go-rollout"
	"github.com/goliatone/go-rollout/config"
)

// NewClient builds a Consul API client from the engine settings.
func NewClient(cfg config.ConsulConfig) (*consulapi.Client, error) {
	if !cfg.Enabled() {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "consul address is not configured", nil, nil)
	}
	apiCfg := consulapi.DefaultConfig()
	apiCfg.Address = cfg.Address
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	cli, err := consulapi.NewClient(apiCfg)
	if err != nil {
		return nil, rollout.CloneError(rollout.ErrInvalidConfig, "create consul client", err,
			map[string]any{"address": cfg.Address})
	}
	return cli, nil
}

func joinKey(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	key = strings.TrimLeft(key, "/")
	if prefix == "" {
		return key
	}
	return fmt.Sprintf("%s/%s", prefix, key)
}

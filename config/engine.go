package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rollout "github.com/goliatone/go-rollout"
)

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultPollAttempts      = 30
	DefaultHTTPTimeout       = 10 * time.Second
	DefaultHTTPRetries       = 2
	DefaultKVVerifyAttempts  = 5
	DefaultLockTTL           = 30 * time.Second
	DefaultMaxWorkers        = 8
	DefaultMaxRetry          = 3
)

// EngineConfig holds process-wide engine settings.
type EngineConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxRetry          int           `yaml:"max_retry"`
	MaxWorkers        int           `yaml:"max_workers"`

	Poll PollConfig `yaml:"poll"`
	HTTP HTTPConfig `yaml:"http"`
	KV   KVConfig   `yaml:"kv"`

	Consul     ConsulConfig     `yaml:"consul"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

type PollConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

type KVConfig struct {
	VerifyAttempts int           `yaml:"verify_attempts"`
	VerifyInterval time.Duration `yaml:"verify_interval"`
}

// ConsulConfig enables the Consul KV store and tenant lock when Address is set.
type ConsulConfig struct {
	Address    string        `yaml:"address"`
	Token      string        `yaml:"token"`
	Datacenter string        `yaml:"datacenter"`
	KeyPrefix  string        `yaml:"key_prefix"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
}

func (c ConsulConfig) Enabled() bool { return strings.TrimSpace(c.Address) != "" }

// CheckpointConfig enables the sqlite checkpoint store when DSN is set.
type CheckpointConfig struct {
	DSN string `yaml:"dsn"`
}

// DefaultEngineConfig returns the engine defaults.
func DefaultEngineConfig() EngineConfig {
	cfg := EngineConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values. A negative MaxRetry means unbounded.
func (c *EngineConfig) ApplyDefaults() {
	if c.MaxRetry == 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = DefaultPollInterval
	}
	if c.Poll.MaxAttempts <= 0 {
		c.Poll.MaxAttempts = DefaultPollAttempts
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = DefaultHTTPTimeout
	}
	switch {
	case c.HTTP.Retries == 0:
		c.HTTP.Retries = DefaultHTTPRetries
	case c.HTTP.Retries < 0:
		// negative disables retries
		c.HTTP.Retries = 0
	}
	if c.KV.VerifyAttempts <= 0 {
		c.KV.VerifyAttempts = DefaultKVVerifyAttempts
	}
	if c.KV.VerifyInterval <= 0 {
		c.KV.VerifyInterval = 200 * time.Millisecond
	}
	if c.Consul.LockTTL <= 0 {
		c.Consul.LockTTL = DefaultLockTTL
	}
	if c.Consul.KeyPrefix == "" {
		c.Consul.KeyPrefix = "bluegreen"
	}
}

// ApplyEnv overrides settings from ROLLOUT_* environment variables.
func (c *EngineConfig) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup("ROLLOUT_CONSUL_ADDR"); ok {
		c.Consul.Address = v
	}
	if v, ok := lookup("ROLLOUT_CONSUL_TOKEN"); ok {
		c.Consul.Token = v
	}
	if v, ok := lookup("ROLLOUT_CHECKPOINT_DSN"); ok {
		c.Checkpoint.DSN = v
	}
	if v, ok := lookup("ROLLOUT_HEARTBEAT_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return rollout.CloneError(rollout.ErrInvalidConfig, "invalid ROLLOUT_HEARTBEAT_INTERVAL", err, nil)
		}
		c.HeartbeatInterval = d
	}
	if v, ok := lookup("ROLLOUT_MAX_RETRY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return rollout.CloneError(rollout.ErrInvalidConfig, "invalid ROLLOUT_MAX_RETRY", err, nil)
		}
		c.MaxRetry = n
	}
	return nil
}

// Validate checks the engine settings after defaults were applied.
func (c EngineConfig) Validate() error {
	if c.HeartbeatInterval < time.Second {
		return invalid("heartbeat_interval must be at least 1s", map[string]any{"heartbeat_interval": c.HeartbeatInterval.String()})
	}
	if c.Poll.MaxAttempts <= 0 {
		return invalid("poll.max_attempts must be positive", nil)
	}
	if c.MaxWorkers <= 0 {
		return invalid("max_workers must be positive", nil)
	}
	return nil
}

// ParseEngineConfig parses YAML, applies defaults and validates.
func ParseEngineConfig(data []byte) (EngineConfig, error) {
	var cfg EngineConfig
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, rollout.CloneError(rollout.ErrInvalidConfig, "parse engine config", err, nil)
		}
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// LoadEngineConfig reads an engine config file. An empty path yields the
// defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	if strings.TrimSpace(path) == "" {
		cfg := DefaultEngineConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return EngineConfig{}, rollout.CloneError(rollout.ErrInvalidConfig, "read engine config", err, map[string]any{"path": path})
	}
	return ParseEngineConfig(data)
}

package stage

import (
	"github.com/goliatone/go-rollout/config"
)

// Factory assembles the ordered stage list for a tenant configuration.
// Implementations must be deterministic: the same config always yields the
// same stages in the same order, which is what lets a restarted process
// resume from a stage name alone.
type Factory interface {
	BuildStages(cfg *config.TenantConfig) ([]Stage, error)
	// CalculateStartIndex returns the index of the stage that follows
	// stageName in the list built from cfg.
	CalculateStartIndex(cfg *config.TenantConfig, stageName string) (int, error)
}

// StaticFactory serves a fixed stage list regardless of config.
type StaticFactory struct {
	Stages []Stage
}

func (f StaticFactory) BuildStages(*config.TenantConfig) ([]Stage, error) {
	return append([]Stage(nil), f.Stages...), nil
}

func (f StaticFactory) CalculateStartIndex(_ *config.TenantConfig, stageName string) (int, error) {
	return StartIndexAfter(f.Stages, stageName)
}

package config

import (
	"fmt"
	"os"

	"github.com/decloud/orchestrator/pkg/types"
	"gopkg.in/yaml.v3"
)

// LoadSchedulingPolicy reads a scheduling policy override from a YAML file.
// Operators drop a policy file next to the orchestrator to change tier
// overcommit, scoring weights or safety limits; the stored policy version is
// bumped when the file's version is newer.
func LoadSchedulingPolicy(path string) (*types.SchedulingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduling policy %s: %w", path, err)
	}

	// Start from defaults so a partial file stays valid.
	cfg := types.DefaultSchedulingConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse scheduling policy %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("scheduling policy %s: %w", path, err)
	}
	return cfg, nil
}

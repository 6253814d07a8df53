package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Attestation.MaxResponseTimeMs)
	assert.Equal(t, 60, cfg.Attestation.StartupChallengeIntervalSeconds)
	assert.Equal(t, 3600, cfg.Attestation.NormalChallengeIntervalSeconds)
	assert.Equal(t, 3, cfg.Attestation.FailureThreshold)
	assert.Equal(t, 2, cfg.Attestation.RecoveryThreshold)
	assert.Equal(t, 15.0, cfg.Payment.PlatformFeePercent)
	assert.Equal(t, 5, cfg.Reconciliation.TickIntervalSeconds)
	assert.Equal(t, 10, cfg.Reconciliation.MaxConcurrentHandlers)
	assert.Empty(t, cfg.DurableStore.ConnectionString)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
durableStore:
  connectionString: /var/lib/decloud/orchestrator.db
attestation:
  maxResponseTimeMs: 250
  failureThreshold: 5
reconciliation:
  tickIntervalSeconds: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/decloud/orchestrator.db", cfg.DurableStore.ConnectionString)
	assert.Equal(t, 250, cfg.Attestation.MaxResponseTimeMs)
	assert.Equal(t, 5, cfg.Attestation.FailureThreshold)
	assert.Equal(t, 2, cfg.Reconciliation.TickIntervalSeconds)
	// Untouched options keep defaults.
	assert.Equal(t, 2, cfg.Attestation.RecoveryThreshold)
}

func TestValidationRanges(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"timeout too large", func(c *Config) { c.Attestation.MaxResponseTimeMs = 1001 }},
		{"timeout zero", func(c *Config) { c.Attestation.MaxResponseTimeMs = 0 }},
		{"fee above 100", func(c *Config) { c.Payment.PlatformFeePercent = 101 }},
		{"negative fee", func(c *Config) { c.Payment.PlatformFeePercent = -1 }},
		{"zero tick", func(c *Config) { c.Reconciliation.TickIntervalSeconds = 0 }},
		{"zero handlers", func(c *Config) { c.Reconciliation.MaxConcurrentHandlers = 0 }},
		{"zero failure threshold", func(c *Config) { c.Attestation.FailureThreshold = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadSchedulingPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 3
baselineBenchmark: 1500
weights:
  capacity: 0.5
  load: 0.2
  reputation: 0.2
  locality: 0.1
`), 0o600))

	policy, err := LoadSchedulingPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, 3, policy.Version)
	assert.Equal(t, 1500.0, policy.BaselineBenchmark)
	assert.Equal(t, 0.5, policy.Weights.Capacity)
	// Tiers keep their defaults when the file omits them.
	assert.NotEmpty(t, policy.Tiers)
}

func TestLoadSchedulingPolicyRejectsBadWeights(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
weights:
  capacity: 0.9
  load: 0.9
  reputation: 0.1
  locality: 0.1
`), 0o600))

	_, err := LoadSchedulingPolicy(path)
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "5s", cfg.TickInterval().String())
	assert.Equal(t, "1m0s", cfg.StartupChallengeInterval().String())
	assert.Equal(t, "1h0m0s", cfg.NormalChallengeInterval().String())
}

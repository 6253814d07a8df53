package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DurableStoreConfig configures the cold store.
type DurableStoreConfig struct {
	// ConnectionString is the path to the bolt database file. Empty means
	// in-memory only: the hot set is the whole world and nothing survives a
	// restart.
	ConnectionString string `mapstructure:"connectionString" yaml:"connectionString"`
}

// AttestationConfig tunes the VM liveness protocol.
type AttestationConfig struct {
	MaxResponseTimeMs               int `mapstructure:"maxResponseTimeMs" yaml:"maxResponseTimeMs"`
	StartupChallengeIntervalSeconds int `mapstructure:"startupChallengeIntervalSeconds" yaml:"startupChallengeIntervalSeconds"`
	NormalChallengeIntervalSeconds  int `mapstructure:"normalChallengeIntervalSeconds" yaml:"normalChallengeIntervalSeconds"`
	FailureThreshold                int `mapstructure:"failureThreshold" yaml:"failureThreshold"`
	RecoveryThreshold               int `mapstructure:"recoveryThreshold" yaml:"recoveryThreshold"`
}

// PaymentConfig configures billing splits and the settlement wallet.
type PaymentConfig struct {
	PlatformFeePercent        float64 `mapstructure:"platformFeePercent" yaml:"platformFeePercent"`
	OrchestratorWalletAddress string  `mapstructure:"orchestratorWalletAddress" yaml:"orchestratorWalletAddress"`
	// OrchestratorPrivateKey must come from the environment
	// (DECLOUD_PAYMENT_ORCHESTRATORPRIVATEKEY); it is never read from file.
	OrchestratorPrivateKey string `mapstructure:"orchestratorPrivateKey" yaml:"-"`
}

// ReconciliationConfig tunes the obligation engine loop.
type ReconciliationConfig struct {
	TickIntervalSeconds   int `mapstructure:"tickIntervalSeconds" yaml:"tickIntervalSeconds"`
	MaxConcurrentHandlers int `mapstructure:"maxConcurrentHandlers" yaml:"maxConcurrentHandlers"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	ListenAddr      string `mapstructure:"listenAddr" yaml:"listenAddr"`
	DevelopmentMode bool   `mapstructure:"developmentMode" yaml:"developmentMode"`
}

// Config is the orchestrator's full runtime configuration.
type Config struct {
	DurableStore   DurableStoreConfig   `mapstructure:"durableStore" yaml:"durableStore"`
	Attestation    AttestationConfig    `mapstructure:"attestation" yaml:"attestation"`
	Payment        PaymentConfig        `mapstructure:"payment" yaml:"payment"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation" yaml:"reconciliation"`
	Server         ServerConfig         `mapstructure:"server" yaml:"server"`
}

// TickInterval returns the reconciliation tick as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Reconciliation.TickIntervalSeconds) * time.Second
}

// StartupChallengeInterval returns the startup-phase attestation cadence.
func (c *Config) StartupChallengeInterval() time.Duration {
	return time.Duration(c.Attestation.StartupChallengeIntervalSeconds) * time.Second
}

// NormalChallengeInterval returns the steady-state attestation cadence.
func (c *Config) NormalChallengeInterval() time.Duration {
	return time.Duration(c.Attestation.NormalChallengeIntervalSeconds) * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("attestation.maxResponseTimeMs", 500)
	v.SetDefault("attestation.startupChallengeIntervalSeconds", 60)
	v.SetDefault("attestation.normalChallengeIntervalSeconds", 3600)
	v.SetDefault("attestation.failureThreshold", 3)
	v.SetDefault("attestation.recoveryThreshold", 2)
	v.SetDefault("payment.platformFeePercent", 15.0)
	v.SetDefault("reconciliation.tickIntervalSeconds", 5)
	v.SetDefault("reconciliation.maxConcurrentHandlers", 10)
	v.SetDefault("server.listenAddr", ":8080")
	v.SetDefault("server.developmentMode", false)
}

// Load reads configuration from the optional YAML file at path and from the
// environment (prefix DECLOUD_, dots become underscores), validates it and
// returns the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DECLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Payment.OrchestratorPrivateKey = os.Getenv("DECLOUD_PAYMENT_ORCHESTRATORPRIVATEKEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Attestation.MaxResponseTimeMs < 1 || c.Attestation.MaxResponseTimeMs > 1000 {
		return fmt.Errorf("attestation.maxResponseTimeMs must be in [1,1000], got %d", c.Attestation.MaxResponseTimeMs)
	}
	if c.Attestation.FailureThreshold < 1 {
		return fmt.Errorf("attestation.failureThreshold must be >= 1")
	}
	if c.Attestation.RecoveryThreshold < 1 {
		return fmt.Errorf("attestation.recoveryThreshold must be >= 1")
	}
	if c.Payment.PlatformFeePercent < 0 || c.Payment.PlatformFeePercent > 100 {
		return fmt.Errorf("payment.platformFeePercent must be in [0,100], got %.1f", c.Payment.PlatformFeePercent)
	}
	if c.Reconciliation.TickIntervalSeconds < 1 {
		return fmt.Errorf("reconciliation.tickIntervalSeconds must be >= 1")
	}
	if c.Reconciliation.MaxConcurrentHandlers < 1 {
		return fmt.Errorf("reconciliation.maxConcurrentHandlers must be >= 1")
	}
	return nil
}

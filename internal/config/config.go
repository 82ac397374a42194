// Package config provides configuration loading for popdeploy.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Bidon15/popdeploy/internal/pkg/units"
)

// Config holds all configuration for a deployment run.
type Config struct {
	Network   NetworkConfig   `mapstructure:"network"`
	Signer    SignerConfig    `mapstructure:"signer"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Lock      LockConfig      `mapstructure:"lock"`
	Status    StatusConfig    `mapstructure:"status"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// NetworkConfig identifies the target chain.
type NetworkConfig struct {
	Name        string `mapstructure:"name" validate:"required"`
	RPCURL      string `mapstructure:"rpc_url" validate:"required,url"`
	ChainID     uint64 `mapstructure:"chain_id"` // 0 = trust the node
	ExplorerURL string `mapstructure:"explorer_url" validate:"omitempty,url"`
}

// SignerConfig selects how transactions are signed.
type SignerConfig struct {
	Type       string `mapstructure:"type" validate:"oneof=local remote dev"`
	PrivateKey string `mapstructure:"private_key" validate:"required_if=Type local"`
	Endpoint   string `mapstructure:"endpoint" validate:"required_if=Type remote,omitempty,url"`
	APIKey     string `mapstructure:"api_key"`
	Address    string `mapstructure:"address" validate:"required_if=Type remote,omitempty,eth_addr"`
	DevAccount int    `mapstructure:"dev_account" validate:"gte=0,lte=9"`
}

// FeesConfig drives the fee estimator.
type FeesConfig struct {
	// GasPriceFloor accepts unit suffixes, e.g. "3500gwei".
	GasPriceFloor             string `mapstructure:"gas_price_floor" validate:"required"`
	ForceFloor                bool   `mapstructure:"force_floor"`
	DefaultGasLimit           uint64 `mapstructure:"default_gas_limit" validate:"gt=0,gtefield=GasLimitFloor"`
	GasLimitFloor             uint64 `mapstructure:"gas_limit_floor" validate:"gt=0"`
	GasLimitMultiplierPercent uint64 `mapstructure:"gas_limit_multiplier_percent" validate:"gte=100"`
}

// GasPriceFloorWei parses GasPriceFloor.
func (c FeesConfig) GasPriceFloorWei() (*big.Int, error) {
	wei, err := units.ParseWei(c.GasPriceFloor)
	if err != nil {
		return nil, fmt.Errorf("parse gas_price_floor: %w", err)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("gas_price_floor must be positive")
	}
	return wei, nil
}

// ExecutionConfig controls submission, confirmation and pacing.
type ExecutionConfig struct {
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout" validate:"gt=0"`
	Confirmations       uint64        `mapstructure:"confirmations" validate:"gte=1"`
	StepDelay           time.Duration `mapstructure:"step_delay" validate:"gte=0"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	MaxPollInterval     time.Duration `mapstructure:"max_poll_interval" validate:"gtefield=PollInterval"`
	RetryNonceStrategy  string        `mapstructure:"retry_nonce_strategy" validate:"oneof=increment reread"`
	RetryPatterns       []string      `mapstructure:"retry_patterns"`
}

// LedgerConfig controls where the ledger is persisted.
type LedgerConfig struct {
	Dir           string        `mapstructure:"dir" validate:"required"`
	Prefix        string        `mapstructure:"prefix" validate:"required,excludesall=/"`
	WriteTxIndex  bool          `mapstructure:"write_tx_index"`
	PostgresDSN   string        `mapstructure:"postgres_dsn"`
	RunMigrations bool          `mapstructure:"run_migrations"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout" validate:"gt=0"`
}

// ArtifactsConfig locates compiled contracts.
type ArtifactsConfig struct {
	Dir          string `mapstructure:"dir"`
	BundleURL    string `mapstructure:"bundle_url" validate:"omitempty,url"`
	BundleSHA256 string `mapstructure:"bundle_sha256" validate:"required_with=BundleURL,omitempty,len=64,hexadecimal"`
	CacheDir     string `mapstructure:"cache_dir"`
}

// LockConfig enables the Redis run lock when RedisAddr is set.
type LockConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
}

// StatusConfig enables the status server when Listen is set.
type StatusConfig struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MetricsConfig enables pushing metrics at the end of a run.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url" validate:"omitempty,url"`
	Job            string `mapstructure:"job"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// Load reads configuration from an optional file and environment variables.
// An empty path searches the default locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("popdeploy")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.popdeploy")
	}

	v.SetEnvPrefix("POPDEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Secrets are usually only provided through the environment.
	_ = v.BindEnv("signer.private_key", "POPDEPLOY_SIGNER_PRIVATE_KEY", "PRIVATE_KEY")
	_ = v.BindEnv("signer.api_key", "POPDEPLOY_SIGNER_API_KEY")
	_ = v.BindEnv("ledger.postgres_dsn", "POPDEPLOY_LEDGER_POSTGRES_DSN")
	_ = v.BindEnv("lock.redis_password", "POPDEPLOY_LOCK_REDIS_PASSWORD")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	preset, hasPreset := LookupNetwork(v.GetString("network.name"))
	if hasPreset {
		applyPreset(v, preset)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Fees.GasPriceFloorWei(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if preset, ok := LookupNetwork(c.Network.Name); ok && c.Network.ChainID != 0 && c.Network.ChainID != preset.ChainID {
		return fmt.Errorf("invalid config: network %s has chain id %d, got %d", c.Network.Name, preset.ChainID, c.Network.ChainID)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	// Network defaults
	v.SetDefault("network.name", "anvil")
	v.SetDefault("network.rpc_url", "http://localhost:8545")
	v.SetDefault("network.chain_id", 0)
	v.SetDefault("network.explorer_url", "")

	// Signer defaults
	v.SetDefault("signer.type", "local")
	v.SetDefault("signer.dev_account", 0)

	// Fee defaults
	v.SetDefault("fees.gas_price_floor", "1gwei")
	v.SetDefault("fees.force_floor", false)
	v.SetDefault("fees.default_gas_limit", 5_000_000)
	v.SetDefault("fees.gas_limit_floor", 21_000)
	v.SetDefault("fees.gas_limit_multiplier_percent", 150)

	// Execution defaults
	v.SetDefault("execution.confirmation_timeout", "5m")
	v.SetDefault("execution.confirmations", 1)
	v.SetDefault("execution.step_delay", "30s")
	v.SetDefault("execution.poll_interval", "2s")
	v.SetDefault("execution.max_poll_interval", "15s")
	v.SetDefault("execution.retry_nonce_strategy", "increment")
	v.SetDefault("execution.retry_patterns", []string{"nonce", "replacement"})

	// Ledger defaults
	v.SetDefault("ledger.dir", "deployments")
	v.SetDefault("ledger.prefix", "popdeploy")
	v.SetDefault("ledger.write_tx_index", false)
	v.SetDefault("ledger.run_migrations", true)
	v.SetDefault("ledger.mirror_timeout", "5s")

	// Artifact defaults
	v.SetDefault("artifacts.dir", "artifacts")
	v.SetDefault("artifacts.cache_dir", "")

	// Lock defaults
	v.SetDefault("lock.ttl", "2h")

	// Metrics defaults
	v.SetDefault("metrics.job", "popdeploy")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Package config loads distributor configuration from config.yaml and
// REWARDS_-prefixed environment variables.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Ledger       LedgerConfig       `yaml:"ledger" mapstructure:"ledger"`
	Reward       RewardConfig       `yaml:"reward" mapstructure:"reward"`
	Distribution DistributionConfig `yaml:"distribution" mapstructure:"distribution"`
	Session      SessionConfig      `yaml:"session" mapstructure:"session"`
	Feed         FeedConfig         `yaml:"feed" mapstructure:"feed"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LedgerConfig configures the distributor gateway and transfer behavior.
type LedgerConfig struct {
	RPCURL              string        `yaml:"rpc_url" mapstructure:"rpc_url"`
	APIKey              string        `yaml:"api_key" mapstructure:"api_key"`
	ExpectedIdentity    string        `yaml:"expected_identity" mapstructure:"expected_identity"`
	Confirmations       int           `yaml:"confirmations" mapstructure:"confirmations"`
	TransferTimeoutSecs int           `yaml:"transfer_timeout_secs" mapstructure:"transfer_timeout_secs"`
	PollIntervalMs      int           `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	TreasuryPrecheck    bool          `yaml:"treasury_precheck" mapstructure:"treasury_precheck"`
	Retry               RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Circuit             CircuitConfig `yaml:"circuit" mapstructure:"circuit"`
}

// TransferTimeout returns the per-transfer timeout.
func (c LedgerConfig) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutSecs) * time.Second
}

// PollInterval returns the receipt polling interval.
func (c LedgerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// RetryConfig configures retries of read-only ledger calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the ledger circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// RewardConfig configures the conversion policy. Decimal values are strings
// so they are never rounded through float64.
type RewardConfig struct {
	Rate     string `yaml:"rate" mapstructure:"rate"`
	MinDelta string `yaml:"min_delta" mapstructure:"min_delta"`
	Decimals int    `yaml:"decimals" mapstructure:"decimals"`
}

// DistributionConfig configures batch pacing.
type DistributionConfig struct {
	InterProducerDelayMs int `yaml:"inter_producer_delay_ms" mapstructure:"inter_producer_delay_ms"`
	IntervalSecs         int `yaml:"interval_secs" mapstructure:"interval_secs"`
}

// InterProducerDelay returns the pause between producers.
func (c DistributionConfig) InterProducerDelay() time.Duration {
	return time.Duration(c.InterProducerDelayMs) * time.Millisecond
}

// Interval returns the scheduled run interval.
func (c DistributionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSecs) * time.Second
}

// SessionConfig configures the identity watcher.
type SessionConfig struct {
	WatchIntervalSecs int `yaml:"watch_interval_secs" mapstructure:"watch_interval_secs"`
}

// FeedConfig configures the production snapshot source.
type FeedConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	Token       string `yaml:"token" mapstructure:"token"`
	File        string `yaml:"file" mapstructure:"file"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// MonitoringConfig configures batch alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	// TreasuryFloor is in whole tokens.
	TreasuryFloor     string `yaml:"treasury_floor" mapstructure:"treasury_floor"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	PendingMaxAgeMins int    `yaml:"pending_max_age_mins" mapstructure:"pending_max_age_mins"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path falls back to
// an optional config.yaml in the working directory; a named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("REWARDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rewards.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.api_key", "")
	v.SetDefault("ledger.expected_identity", "")
	v.SetDefault("ledger.confirmations", 1)
	v.SetDefault("ledger.transfer_timeout_secs", 120)
	v.SetDefault("ledger.poll_interval_ms", 1000)
	v.SetDefault("ledger.treasury_precheck", true)
	v.SetDefault("ledger.retry.max_attempts", 3)
	v.SetDefault("ledger.retry.initial_backoff_ms", 250)
	v.SetDefault("ledger.retry.max_backoff_ms", 5000)
	v.SetDefault("ledger.retry.multiplier", 2.0)
	v.SetDefault("ledger.retry.jitter_fraction", 0.2)
	v.SetDefault("ledger.circuit.failure_threshold", 5)
	v.SetDefault("ledger.circuit.reset_timeout_secs", 30)
	v.SetDefault("reward.rate", "100")
	v.SetDefault("reward.min_delta", "0.01")
	v.SetDefault("reward.decimals", 18)
	v.SetDefault("distribution.inter_producer_delay_ms", 1000)
	v.SetDefault("distribution.interval_secs", 3600)
	v.SetDefault("session.watch_interval_secs", 15)
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.token", "")
	v.SetDefault("feed.file", "")
	v.SetDefault("feed.timeout_secs", 30)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.treasury_floor", "0")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.pending_max_age_mins", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

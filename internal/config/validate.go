package config

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
)

// Validate checks the values the given command needs. Modes: "distribute",
// "serve" and "store" (read-only and migration commands).
func (c *Config) Validate(mode string) error {
	switch mode {
	case "distribute", "serve", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	var problems []string
	add := func(msg string) { problems = append(problems, msg) }

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be memory, sqlite or postgres")
	}

	if mode == "distribute" || mode == "serve" {
		c.validateDistribution(add)
	}
	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server.port must be between 1 and 65535")
		}
		if c.Distribution.IntervalSecs < 0 {
			add("distribution.interval_secs must not be negative")
		}
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateDistribution(add func(string)) {
	if c.Ledger.RPCURL == "" {
		add("ledger.rpc_url is required")
	}
	if c.Ledger.ExpectedIdentity == "" {
		add("ledger.expected_identity is required")
	}
	if c.Ledger.Confirmations < 1 {
		add("ledger.confirmations must be at least 1")
	}
	if c.Ledger.TransferTimeoutSecs <= 0 {
		add("ledger.transfer_timeout_secs must be positive")
	}
	if c.Distribution.InterProducerDelayMs < 0 {
		add("distribution.inter_producer_delay_ms must not be negative")
	}
	if c.Session.WatchIntervalSecs <= 0 {
		add("session.watch_interval_secs must be positive")
	}

	if q, err := model.ParseQuantity(c.Reward.Rate); err != nil || q.Sign() <= 0 {
		add("reward.rate must be a positive decimal")
	}
	if q, err := model.ParseQuantity(c.Reward.MinDelta); err != nil || q.Sign() < 0 {
		add("reward.min_delta must be a non-negative decimal")
	}
	if c.Reward.Decimals < 0 || c.Reward.Decimals > 36 {
		add("reward.decimals must be between 0 and 36")
	}
	if c.Monitoring.TreasuryFloor != "" {
		if _, err := model.ParseQuantity(c.Monitoring.TreasuryFloor); err != nil {
			add("monitoring.treasury_floor must be a decimal")
		}
	}
}

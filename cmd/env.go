package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/config"
	"github.com/sells-group/reward-distributor/internal/distribution"
	"github.com/sells-group/reward-distributor/internal/ledger"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/resilience"
	"github.com/sells-group/reward-distributor/internal/reward"
	"github.com/sells-group/reward-distributor/internal/session"
	"github.com/sells-group/reward-distributor/internal/snapshot"
	"github.com/sells-group/reward-distributor/internal/store"
)

// distributorEnv holds everything the distribute and serve commands need.
type distributorEnv struct {
	Store    store.Store
	RPC      *ledger.RPCLedger
	Client   *ledger.Client
	Sessions *session.Manager
	Policy   reward.Policy
	Orch     *distribution.Orchestrator
}

// Close releases resources held by the environment.
func (e *distributorEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// ensureSession re-establishes the distributor session when it is not
// currently authorized.
func (e *distributorEnv) ensureSession(ctx context.Context) error {
	if e.Sessions.IsActive() {
		return nil
	}
	_, err := e.Sessions.Establish(ctx)
	return err
}

// initStore opens the configured backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		zap.L().Warn("memory store selected, baselines will not survive restart")
		return store.NewMemory(), nil
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "rewards.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens and migrates the store for read-only commands.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: time.Duration(c.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(c.MaxBackoffMs) * time.Millisecond,
		Multiplier:     c.Multiplier,
		JitterFraction: c.JitterFraction,
	}
}

func circuitConfig(c config.CircuitConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     time.Duration(c.ResetTimeoutSecs) * time.Second,
		OnStateChange: func(from, to resilience.CircuitState) {
			zap.L().Warn("ledger circuit breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
}

func buildPolicy(c config.RewardConfig) (reward.Policy, error) {
	rate, err := model.ParseQuantity(c.Rate)
	if err != nil {
		return reward.Policy{}, eris.Wrap(err, "reward rate")
	}
	minDelta, err := model.ParseQuantity(c.MinDelta)
	if err != nil {
		return reward.Policy{}, eris.Wrap(err, "reward min delta")
	}
	return reward.NewPolicy(rate, minDelta, int32(c.Decimals))
}

// initDistributor validates config for mode, opens the store and wires the
// ledger client, session manager and orchestrator. Callers should defer
// env.Close().
func initDistributor(ctx context.Context, mode string) (*distributorEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	policy, err := buildPolicy(cfg.Reward)
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rpcOpts := []ledger.RPCOption{
		ledger.WithRetry(retryConfig(cfg.Ledger.Retry)),
		ledger.WithCircuitBreaker(resilience.NewCircuitBreaker(circuitConfig(cfg.Ledger.Circuit))),
	}
	if cfg.Ledger.APIKey != "" {
		rpcOpts = append(rpcOpts, ledger.WithAPIKey(cfg.Ledger.APIKey))
	}
	rpc := ledger.NewRPCLedger(cfg.Ledger.RPCURL, rpcOpts...)

	client := ledger.NewClient(rpc, ledger.ClientConfig{
		Confirmations:    uint64(cfg.Ledger.Confirmations),
		PollInterval:     cfg.Ledger.PollInterval(),
		TreasuryPrecheck: cfg.Ledger.TreasuryPrecheck,
	})

	sessions := session.NewManager(rpc, cfg.Ledger.ExpectedIdentity)
	sessions.OnIdentityChanged(func(c session.IdentityChange) {
		zap.L().Info("ledger identity changed",
			zap.String("previous", c.Previous),
			zap.String("current", c.Current),
			zap.Bool("invalidated", c.Invalidated),
		)
	})

	orch := distribution.New(distribution.Config{
		InterProducerDelay: cfg.Distribution.InterProducerDelay(),
		TransferTimeout:    cfg.Ledger.TransferTimeout(),
	}, policy, st, client, sessions, auditSink())

	return &distributorEnv{
		Store:    st,
		RPC:      rpc,
		Client:   client,
		Sessions: sessions,
		Policy:   policy,
		Orch:     orch,
	}, nil
}

// auditSink logs every committed distribution record.
func auditSink() distribution.RecordSink {
	return distribution.RecordSinkFunc(func(_ context.Context, rec model.DistributionRecord) {
		zap.L().Info("distribution recorded",
			zap.String("run_id", rec.RunID),
			zap.String("producer_id", rec.ProducerID),
			zap.String("destination", rec.Destination),
			zap.String("delta_units", rec.DeltaUnits.String()),
			zap.String("token_amount", rec.TokenAmount.String()),
			zap.String("receipt_id", rec.ReceiptID),
			zap.Uint64("block_height", rec.BlockHeight),
			zap.Int64("seq", rec.Seq),
		)
	})
}

// newFeed returns the snapshot source: a local file when path is set,
// otherwise the configured metering service.
func newFeed(path string) (distribution.SnapshotSource, error) {
	if path == "" {
		path = cfg.Feed.File
	}
	if path != "" {
		return snapshot.NewFileFeed(path), nil
	}
	if cfg.Feed.URL == "" {
		return nil, eris.New("no snapshot source: pass --snapshot or set feed.url")
	}
	timeout := time.Duration(cfg.Feed.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts := []snapshot.HTTPOption{
		snapshot.WithHTTPClient(&http.Client{Timeout: timeout}),
		snapshot.WithRetry(retryConfig(cfg.Ledger.Retry)),
	}
	if cfg.Feed.Token != "" {
		opts = append(opts, snapshot.WithToken(cfg.Feed.Token))
	}
	return snapshot.NewHTTPFeed(cfg.Feed.URL, opts...), nil
}

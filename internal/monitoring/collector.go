package monitoring

import (
	"context"
	"math/big"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/resilience"
	"github.com/sells-group/reward-distributor/internal/reward"
	"github.com/sells-group/reward-distributor/internal/store"
)

// MetricsSnapshot holds a point-in-time view of distributor health.
type MetricsSnapshot struct {
	// Last batch run.
	LastRunID             string       `json:"last_run_id,omitempty"`
	LastRunSucceeded      int          `json:"last_run_succeeded"`
	LastRunFailed         int          `json:"last_run_failed"`
	LastRunSkipped        int          `json:"last_run_skipped"`
	LastRunFailRate       float64      `json:"last_run_fail_rate"`
	LastRunAborted        bool         `json:"last_run_aborted"`
	LastRunAbortReason    model.Reason `json:"last_run_abort_reason,omitempty"`
	InsufficientFundsHits int          `json:"insufficient_funds_hits"`

	// In-doubt transfers.
	PendingCount     int           `json:"pending_count"`
	StalePending     int           `json:"stale_pending"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`

	// Treasury, in whole tokens. Empty when the balance could not be read.
	TreasuryBalance string `json:"treasury_balance,omitempty"`
	TreasuryError   string `json:"treasury_error,omitempty"`

	CircuitState string `json:"circuit_state,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// ResultSource exposes the most recent batch result.
type ResultSource interface {
	LastResult() *model.BatchRunResult
}

// TreasuryReader reads the distributor's token balance.
type TreasuryReader interface {
	TreasuryBalance(ctx context.Context, from string) (*big.Int, error)
}

// CircuitReporter exposes a circuit breaker state.
type CircuitReporter interface {
	State() resilience.CircuitState
}

// CollectorDeps wires the collector. Only Pending is required.
type CollectorDeps struct {
	Pending  store.PendingStore
	Results  ResultSource
	Treasury TreasuryReader
	Account  string
	Decimals int32
	Circuit  CircuitReporter
}

// Collector gathers metrics from the store, the orchestrator and the ledger.
type Collector struct {
	deps    CollectorDeps
	nowFunc func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(deps CollectorDeps) *Collector {
	return &Collector{deps: deps, nowFunc: time.Now}
}

// Collect gathers a snapshot. Pending entries older than staleAfter count
// as stale. A treasury read failure is reported in the snapshot, not as an
// error.
func (c *Collector) Collect(ctx context.Context, staleAfter time.Duration) (*MetricsSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &MetricsSnapshot{CollectedAt: now}

	if c.deps.Results != nil {
		if r := c.deps.Results.LastResult(); r != nil {
			snap.LastRunID = r.RunID
			snap.LastRunSucceeded = r.Succeeded
			snap.LastRunFailed = r.Failed
			snap.LastRunSkipped = r.Skipped
			snap.LastRunFailRate = r.FailureRate()
			snap.LastRunAborted = r.Aborted
			snap.LastRunAbortReason = r.AbortReason
			for _, o := range r.Outcomes {
				if o.Reason == model.ReasonInsufficientTreasuryFunds {
					snap.InsufficientFundsHits++
				}
			}
		}
	}

	pending, err := c.deps.Pending.ListPending(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list pending")
	}
	snap.PendingCount = len(pending)
	for _, p := range pending {
		age := now.Sub(p.SubmittedAt)
		if age > snap.OldestPendingAge {
			snap.OldestPendingAge = age
		}
		if staleAfter > 0 && age > staleAfter {
			snap.StalePending++
		}
	}

	if c.deps.Treasury != nil && c.deps.Account != "" {
		units, err := c.deps.Treasury.TreasuryBalance(ctx, c.deps.Account)
		if err == nil {
			var amt reward.TokenAmount
			amt, err = reward.FromBaseUnits(units, c.deps.Decimals)
			if err == nil {
				snap.TreasuryBalance = amt.String()
			}
		}
		if err != nil {
			snap.TreasuryError = err.Error()
		}
	}

	if c.deps.Circuit != nil {
		snap.CircuitState = c.deps.Circuit.State().String()
	}

	return snap, nil
}

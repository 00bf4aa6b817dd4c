package distribution

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/ledger"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/reward"
)

// PlannedTransfer is what a batch would attempt for one producer given the
// stored baselines. It is computed without contacting the ledger.
type PlannedTransfer struct {
	ProducerID  string          `json:"producer_id"`
	Destination string          `json:"destination"`
	Baseline    model.Quantity  `json:"baseline"`
	DeltaUnits  model.Quantity  `json:"delta_units"`
	TokenAmount *model.Quantity `json:"token_amount,omitempty"`
	// Reason is set when no transfer would be made.
	Reason model.Reason `json:"reason,omitempty"`
	// PendingTxID is an unresolved transfer that will be checked first.
	PendingTxID string `json:"pending_tx_id,omitempty"`
}

// Preview returns the planned transfer for every producer, in input order.
// It reads baselines and the pending journal and writes nothing.
func (o *Orchestrator) Preview(ctx context.Context, producers []model.Producer) ([]PlannedTransfer, error) {
	plan := make([]PlannedTransfer, 0, len(producers))
	for _, p := range producers {
		entry := PlannedTransfer{ProducerID: p.ID, Destination: p.PayoutAddress}

		pending, err := o.store.GetPending(ctx, p.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "distribution: preview %s", p.ID)
		}
		if pending != nil {
			entry.PendingTxID = pending.TxID
		}

		cur, err := o.baselines.Current(ctx, p.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "distribution: preview %s", p.ID)
		}
		entry.Baseline = cur

		if err := ledger.ValidateAddress(p.PayoutAddress); err != nil {
			entry.Reason = model.ReasonInvalidDestination
			plan = append(plan, entry)
			continue
		}

		delta, err := p.CumulativeProductionUnits.Sub(cur)
		if err != nil {
			return nil, eris.Wrapf(err, "distribution: preview %s", p.ID)
		}
		entry.DeltaUnits = delta

		amount, err := o.policy.Convert(delta)
		switch {
		case errors.Is(err, reward.ErrIneligible):
			entry.Reason = model.ReasonNoEligibleDelta
		case err != nil:
			return nil, eris.Wrapf(err, "distribution: preview %s", p.ID)
		default:
			entry.TokenAmount = quantityPtr(amount.Value)
		}
		plan = append(plan, entry)
	}
	return plan, nil
}

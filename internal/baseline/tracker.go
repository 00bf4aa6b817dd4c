// Package baseline tracks how much of each producer's cumulative production
// has already been rewarded.
package baseline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/store"
)

// ErrRegression is returned by Commit when the new value is below the
// current baseline. It matches store.ErrRegression with errors.Is.
var ErrRegression = store.ErrRegression

// Store is what a Tracker needs: baseline access plus the atomic commit of a
// confirmed transfer.
type Store interface {
	store.BaselineStore
	CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error
}

// Tracker computes unrewarded deltas and advances baselines. It keeps no
// state of its own; the store is the source of truth.
type Tracker struct {
	st Store
}

// NewTracker returns a Tracker backed by st.
func NewTracker(st Store) *Tracker {
	return &Tracker{st: st}
}

// Current returns the producer's baseline, zero for an unseen producer.
func (t *Tracker) Current(ctx context.Context, producerID string) (model.Quantity, error) {
	b, err := t.st.GetBaseline(ctx, producerID)
	if err != nil {
		return model.Quantity{}, eris.Wrapf(err, "baseline: load %s", producerID)
	}
	if b == nil {
		return model.Quantity{}, nil
	}
	return b.LastRewardedUnits, nil
}

// Delta returns cumulative production minus the baseline. The result may be
// zero or negative; deciding eligibility is the conversion policy's job.
func (t *Tracker) Delta(ctx context.Context, p model.Producer) (model.Quantity, error) {
	cur, err := t.Current(ctx, p.ID)
	if err != nil {
		return model.Quantity{}, err
	}
	d, err := p.CumulativeProductionUnits.Sub(cur)
	if err != nil {
		return model.Quantity{}, eris.Wrapf(err, "baseline: delta %s", p.ID)
	}
	return d, nil
}

// Commit advances the producer's baseline to newCumulative. Call it only
// after the ledger confirmed the transfer covering the delta. A value below
// the current baseline fails with ErrRegression and changes nothing.
func (t *Tracker) Commit(ctx context.Context, producerID string, newCumulative model.Quantity) error {
	if err := t.CheckCommit(ctx, producerID, newCumulative); err != nil {
		return err
	}
	if err := t.st.AdvanceBaseline(ctx, producerID, newCumulative); err != nil {
		return eris.Wrapf(err, "baseline: commit %s", producerID)
	}
	return nil
}

// CommitTransfer advances the baseline to newCumulative together with
// appending rec and clearing the producer's pending entry. The regression
// rule is checked first and again by the store inside its transaction.
func (t *Tracker) CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newCumulative model.Quantity) error {
	if err := t.CheckCommit(ctx, rec.ProducerID, newCumulative); err != nil {
		return err
	}
	if err := t.st.CommitTransfer(ctx, rec, newCumulative); err != nil {
		return eris.Wrapf(err, "baseline: commit transfer %s", rec.ProducerID)
	}
	return nil
}

// CheckCommit reports whether Commit(producerID, newCumulative) would be
// accepted, without writing.
func (t *Tracker) CheckCommit(ctx context.Context, producerID string, newCumulative model.Quantity) error {
	cur, err := t.Current(ctx, producerID)
	if err != nil {
		return err
	}
	if newCumulative.Cmp(cur) < 0 {
		return eris.Wrapf(ErrRegression, "baseline: producer %s: %s < %s", producerID, newCumulative, cur)
	}
	return nil
}

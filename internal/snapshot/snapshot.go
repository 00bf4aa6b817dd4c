// Package snapshot loads producer production figures from the metering
// service or from a file.
package snapshot

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
)

// Feed returns the current cumulative production of every producer.
type Feed interface {
	Snapshot(ctx context.Context) ([]model.Producer, error)
}

// Validate rejects snapshots with missing or duplicate producer ids and
// negative cumulative figures. Payout addresses are not checked here; a bad
// address only skips that producer.
func Validate(producers []model.Producer) error {
	seen := make(map[string]struct{}, len(producers))
	for i, p := range producers {
		if p.ID == "" {
			return eris.Errorf("snapshot: producer at index %d has no id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return eris.Errorf("snapshot: duplicate producer id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.CumulativeProductionUnits.Sign() < 0 {
			return eris.Errorf("snapshot: producer %q has negative cumulative production", p.ID)
		}
	}
	return nil
}

// Package store persists distribution state: per-producer baselines, the
// append-only distribution history and the journal of in-flight transfers.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/model"
)

// ErrRegression is returned when a write would lower a producer's baseline.
var ErrRegression = eris.New("store: baseline regression")

// RecordFilter specifies criteria for listing distribution records.
type RecordFilter struct {
	ProducerID string `json:"producer_id,omitempty"`
	RunID      string `json:"run_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// BaselineStore holds the last rewarded cumulative value per producer.
type BaselineStore interface {
	// GetBaseline returns nil, nil for a producer that was never rewarded.
	GetBaseline(ctx context.Context, producerID string) (*model.Baseline, error)
	// AdvanceBaseline sets the baseline and fails with ErrRegression if the
	// stored value is greater than value.
	AdvanceBaseline(ctx context.Context, producerID string, value model.Quantity) error
	ListBaselines(ctx context.Context) ([]model.Baseline, error)
}

// RecordStore is the append-only history of confirmed transfers.
type RecordStore interface {
	// AppendRecord assigns rec.Seq (and rec.ID when empty) and stores it.
	AppendRecord(ctx context.Context, rec *model.DistributionRecord) error
	// ListRecords returns records newest first.
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.DistributionRecord, error)
}

// PendingStore journals submitted transfers awaiting confirmation. At most
// one entry exists per producer.
type PendingStore interface {
	PutPending(ctx context.Context, p model.PendingTransfer) error
	// GetPending returns nil, nil when the producer has no entry.
	GetPending(ctx context.Context, producerID string) (*model.PendingTransfer, error)
	DeletePending(ctx context.Context, producerID string) error
	ListPending(ctx context.Context) ([]model.PendingTransfer, error)
}

// Store is the full persistence interface of the distributor.
type Store interface {
	BaselineStore
	RecordStore
	PendingStore

	// CommitTransfer records a confirmed transfer in one step: it advances
	// the producer's baseline to newBaseline, appends rec and removes the
	// producer's pending entry. Nothing is written on error.
	CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// checkAdvance enforces the monotonic baseline rule shared by every backend.
func checkAdvance(producerID string, current *model.Quantity, next model.Quantity) error {
	if current != nil && next.Cmp(*current) < 0 {
		return eris.Wrapf(ErrRegression, "producer %s: %s < %s", producerID, next, *current)
	}
	return nil
}

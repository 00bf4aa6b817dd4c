package baseline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/store"
)

func producer(id, cumulative string) model.Producer {
	return model.Producer{ID: id, CumulativeProductionUnits: model.MustQuantity(cumulative)}
}

func TestDelta_UnseenProducerStartsAtZero(t *testing.T) {
	tr := NewTracker(store.NewMemory())

	d, err := tr.Delta(context.Background(), producer("a", "12.5"))
	require.NoError(t, err)
	assert.Equal(t, 0, d.Cmp(model.MustQuantity("12.5")))
}

func TestDelta_StableBetweenCommits(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory())
	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("10")))

	p := producer("a", "15.25")
	first, err := tr.Delta(ctx, p)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := tr.Delta(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, 0, first.Cmp(again))
	}

	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("15.25")))
	after, err := tr.Delta(ctx, producer("a", "16"))
	require.NoError(t, err)
	assert.Equal(t, 0, after.Cmp(model.MustQuantity("0.75")))
}

func TestDelta_NonPositiveIsNotAnError(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory())
	require.NoError(t, tr.Commit(ctx, "b", model.MustQuantity("40")))

	d, err := tr.Delta(ctx, producer("b", "40.0"))
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	// A regressed counter yields a negative delta rather than failing.
	d, err = tr.Delta(ctx, producer("b", "39"))
	require.NoError(t, err)
	assert.Equal(t, -1, d.Sign())
}

func TestCommit_RegressionRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := NewTracker(st)
	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("12.5")))

	err := tr.Commit(ctx, "a", model.MustQuantity("12.4"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegression))
	assert.True(t, errors.Is(err, store.ErrRegression))

	cur, err := tr.Current(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Cmp(model.MustQuantity("12.5")))
}

func TestCommit_SameValueIsAccepted(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(store.NewMemory())
	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("3")))
	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("3.000")))
}

type failingStore struct {
	Store
}

func (failingStore) GetBaseline(context.Context, string) (*model.Baseline, error) {
	return nil, errors.New("disk on fire")
}

func TestDelta_StoreErrorPropagates(t *testing.T) {
	tr := NewTracker(failingStore{})

	_, err := tr.Delta(context.Background(), producer("a", "1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "baseline: load a")
}

func TestCommitTransfer_AdvancesAndRecords(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := NewTracker(st)
	require.NoError(t, st.PutPending(ctx, model.PendingTransfer{ProducerID: "a", TxID: "tx-1"}))

	rec := &model.DistributionRecord{ID: "r1", ProducerID: "a", ReceiptID: "tx-1", DeltaUnits: model.MustQuantity("4")}
	require.NoError(t, tr.CommitTransfer(ctx, rec, model.MustQuantity("4")))

	cur, err := tr.Current(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Cmp(model.MustQuantity("4")))

	recs, err := st.ListRecords(ctx, store.RecordFilter{ProducerID: "a"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	pending, err := st.GetPending(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestCommitTransfer_RegressionWritesNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	tr := NewTracker(st)
	require.NoError(t, tr.Commit(ctx, "a", model.MustQuantity("10")))

	rec := &model.DistributionRecord{ID: "r1", ProducerID: "a", ReceiptID: "tx-1"}
	err := tr.CommitTransfer(ctx, rec, model.MustQuantity("9"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRegression))

	recs, err := st.ListRecords(ctx, store.RecordFilter{ProducerID: "a"})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reward-distributor/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// backends runs fn against every Store implementation that needs no server.
func backends(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLiteStore(t)) })
}

func q(s string) model.Quantity { return model.MustQuantity(s) }

func TestStore_Baseline_UnseenIsNil(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		b, err := st.GetBaseline(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, b)
	})
}

func TestStore_Baseline_AdvanceAndGet(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.AdvanceBaseline(ctx, "p1", q("12.5")))
		require.NoError(t, st.AdvanceBaseline(ctx, "p1", q("12.5")))
		require.NoError(t, st.AdvanceBaseline(ctx, "p1", q("20.125")))

		b, err := st.GetBaseline(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "p1", b.ProducerID)
		assert.Equal(t, 0, b.LastRewardedUnits.Cmp(q("20.125")))
		assert.False(t, b.UpdatedAt.IsZero())
	})
}

func TestStore_Baseline_RegressionRejected(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.AdvanceBaseline(ctx, "p1", q("40")))

		err := st.AdvanceBaseline(ctx, "p1", q("39.999"))
		require.ErrorIs(t, err, ErrRegression)

		b, err := st.GetBaseline(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 0, b.LastRewardedUnits.Cmp(q("40")))
	})
}

func TestStore_ListBaselines_Sorted(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.AdvanceBaseline(ctx, "b", q("2")))
		require.NoError(t, st.AdvanceBaseline(ctx, "a", q("1")))

		list, err := st.ListBaselines(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].ProducerID)
		assert.Equal(t, "b", list[1].ProducerID)
	})
}

func TestStore_Records_SeqAndFilter(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		r1 := &model.DistributionRecord{RunID: "run-1", ProducerID: "a", DeltaUnits: q("1"), TokenAmount: q("100"), ReceiptID: "0x01", BlockHeight: 10}
		r2 := &model.DistributionRecord{RunID: "run-1", ProducerID: "b", DeltaUnits: q("2"), TokenAmount: q("200"), ReceiptID: "0x02", BlockHeight: 11}
		r3 := &model.DistributionRecord{RunID: "run-2", ProducerID: "a", DeltaUnits: q("3"), TokenAmount: q("300"), ReceiptID: "0x03", BlockHeight: 12}
		for _, r := range []*model.DistributionRecord{r1, r2, r3} {
			require.NoError(t, st.AppendRecord(ctx, r))
			assert.NotEmpty(t, r.ID)
		}
		assert.Less(t, r1.Seq, r2.Seq)
		assert.Less(t, r2.Seq, r3.Seq)

		all, err := st.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "0x03", all[0].ReceiptID, "newest first")

		forA, err := st.ListRecords(ctx, RecordFilter{ProducerID: "a"})
		require.NoError(t, err)
		require.Len(t, forA, 2)
		assert.Equal(t, 0, forA[1].TokenAmount.Cmp(q("100")))
		assert.Equal(t, uint64(10), forA[1].BlockHeight)

		run1, err := st.ListRecords(ctx, RecordFilter{RunID: "run-1", Limit: 1})
		require.NoError(t, err)
		require.Len(t, run1, 1)
		assert.Equal(t, "b", run1[0].ProducerID)
	})
}

func TestStore_Pending_Lifecycle(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		p := model.PendingTransfer{
			ProducerID:       "a",
			RunID:            "run-1",
			TxID:             "0xabc",
			Destination:      "0x52908400098527886E0F7030069857D2E4169EE7",
			DeltaUnits:       q("12.5"),
			TargetCumulative: q("12.5"),
			TokenAmount:      q("1250"),
			SubmittedAt:      time.Now().UTC().Truncate(time.Second),
		}
		require.NoError(t, st.PutPending(ctx, p))

		got, err := st.GetPending(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "0xabc", got.TxID)
		assert.Equal(t, 0, got.TargetCumulative.Cmp(q("12.5")))

		p.TxID = "0xdef"
		require.NoError(t, st.PutPending(ctx, p))
		list, err := st.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "0xdef", list[0].TxID)

		require.NoError(t, st.DeletePending(ctx, "a"))
		got, err = st.GetPending(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_CommitTransfer(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.PutPending(ctx, model.PendingTransfer{
			ProducerID: "a", RunID: "run-1", TxID: "0xabc", SubmittedAt: time.Now().UTC(),
		}))

		rec := &model.DistributionRecord{RunID: "run-1", ProducerID: "a", DeltaUnits: q("12.5"), TokenAmount: q("1250"), ReceiptID: "0xabc", BlockHeight: 99}
		require.NoError(t, st.CommitTransfer(ctx, rec, q("12.5")))
		assert.NotZero(t, rec.Seq)

		b, err := st.GetBaseline(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 0, b.LastRewardedUnits.Cmp(q("12.5")))

		pending, err := st.GetPending(ctx, "a")
		require.NoError(t, err)
		assert.Nil(t, pending)

		records, err := st.ListRecords(ctx, RecordFilter{ProducerID: "a"})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})
}

func TestStore_CommitTransfer_RegressionWritesNothing(t *testing.T) {
	backends(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.AdvanceBaseline(ctx, "a", q("50")))
		require.NoError(t, st.PutPending(ctx, model.PendingTransfer{ProducerID: "a", TxID: "0x1", SubmittedAt: time.Now().UTC()}))

		rec := &model.DistributionRecord{RunID: "run-1", ProducerID: "a", DeltaUnits: q("1"), TokenAmount: q("100"), ReceiptID: "0x1"}
		err := st.CommitTransfer(ctx, rec, q("49"))
		require.ErrorIs(t, err, ErrRegression)

		records, err := st.ListRecords(ctx, RecordFilter{})
		require.NoError(t, err)
		assert.Empty(t, records)

		pending, err := st.GetPending(ctx, "a")
		require.NoError(t, err)
		assert.NotNil(t, pending, "pending entry must survive a failed commit")
	})
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	require.NoError(t, st.AdvanceBaseline(ctx, "a", q("12.5")))
	require.NoError(t, st.Close())

	st, err = NewSQLite(dbPath)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	b, err := st.GetBaseline(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, 0, b.LastRewardedUnits.Cmp(q("12.5")))
}

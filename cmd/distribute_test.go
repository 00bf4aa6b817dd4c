package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reward-distributor/internal/distribution"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/session"
)

func qp(s string) *model.Quantity {
	q := model.MustQuantity(s)
	return &q
}

func sampleResult() *model.BatchRunResult {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	res := &model.BatchRunResult{RunID: "run-abc", StartedAt: start, FinishedAt: start.Add(1500 * time.Millisecond)}
	res.Add(model.Outcome{ProducerID: "p1", Status: model.OutcomeSucceeded, DeltaUnits: qp("12.5"), TokenAmount: qp("1250"), ReceiptID: "tx-1"})
	res.Add(model.Outcome{ProducerID: "p2", Status: model.OutcomeSkipped, Reason: model.ReasonNoEligibleDelta, DeltaUnits: qp("0")})
	res.Add(model.Outcome{ProducerID: "p3", Status: model.OutcomeFailed, Reason: model.ReasonInsufficientTreasuryFunds, DeltaUnits: qp("3"), TokenAmount: qp("300")})
	return res
}

func TestFormatResult(t *testing.T) {
	var buf bytes.Buffer
	formatResult(&buf, sampleResult())

	out := buf.String()
	assert.Contains(t, out, "PRODUCER")
	assert.Contains(t, out, "RECEIPT")
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "1250")
	assert.Contains(t, out, "tx-1")
	assert.Contains(t, out, "no_eligible_delta")
	assert.Contains(t, out, "insufficient_treasury_funds")
	assert.Contains(t, out, "Run run-abc: 1 succeeded, 1 failed, 1 skipped of 3 producers in 1.5s")
	assert.NotContains(t, out, "Stopped early")
}

func TestFormatResult_Aborted(t *testing.T) {
	res := &model.BatchRunResult{RunID: "run-x", Aborted: true, AbortReason: model.ReasonSessionInvalidated}
	res.Add(model.Outcome{ProducerID: "p1", Status: model.OutcomeSkipped, Reason: model.ReasonSessionInvalidated})

	var buf bytes.Buffer
	formatResult(&buf, res)
	assert.Contains(t, buf.String(), "Stopped early: session_invalidated")
}

func TestFormatPlan(t *testing.T) {
	plan := []distribution.PlannedTransfer{
		{ProducerID: "p1", Destination: "0xabc", Baseline: model.MustQuantity("10"), DeltaUnits: model.MustQuantity("2"), TokenAmount: qp("200")},
		{ProducerID: "p2", Destination: "0xdef", Baseline: model.MustQuantity("5"), Reason: model.ReasonNoEligibleDelta},
		{ProducerID: "p3", Destination: "0x123", TokenAmount: qp("1"), PendingTxID: "tx-9"},
	}

	var buf bytes.Buffer
	formatPlan(&buf, plan)

	out := buf.String()
	assert.Contains(t, out, "BASELINE")
	assert.Contains(t, out, "200")
	assert.Contains(t, out, "no_eligible_delta")
	assert.Contains(t, out, "pending tx-9")
	assert.Contains(t, out, "2 of 3 producers would receive a transfer")
}

func TestBatchError(t *testing.T) {
	assert.Error(t, batchError(sampleResult()))

	ok := &model.BatchRunResult{RunID: "r"}
	ok.Add(model.Outcome{ProducerID: "p", Status: model.OutcomeSkipped, Reason: model.ReasonNoEligibleDelta})
	assert.NoError(t, batchError(ok))

	aborted := &model.BatchRunResult{RunID: "r", Aborted: true, AbortReason: model.ReasonCancelled}
	err := batchError(aborted)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "stopped early: cancelled")
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	assert.NoError(t, writeJSON(&buf, sampleResult()))
	assert.Contains(t, buf.String(), `"run_id": "run-abc"`)
	assert.Contains(t, buf.String(), `"token_amount": "1250"`)
}

type switchingIdentity struct {
	mu       sync.Mutex
	identity string
}

func (s *switchingIdentity) Identity(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, nil
}

func (s *switchingIdentity) set(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// runnerFunc adapts a function to batchRunner.
type runnerFunc func(ctx context.Context, producers []model.Producer) (*model.BatchRunResult, error)

func (f runnerFunc) RunBatch(ctx context.Context, producers []model.Producer) (*model.BatchRunResult, error) {
	return f(ctx, producers)
}

func TestRunWatched_IdentityChangeInvalidatesMidBatch(t *testing.T) {
	const wallet = "0xd1220a0cf47c7b9be7a2e6ba89f429762e7b9adb"
	src := &switchingIdentity{identity: wallet}
	mgr := session.NewManager(src, wallet)
	sess, err := mgr.Establish(context.Background())
	require.NoError(t, err)

	runner := runnerFunc(func(context.Context, []model.Producer) (*model.BatchRunResult, error) {
		src.set("0x0000000000000000000000000000000000000001")
		deadline := time.Now().Add(2 * time.Second)
		for sess.Active() && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		return &model.BatchRunResult{RunID: "run-1"}, nil
	})

	res, err := runWatched(context.Background(), runner, mgr, 10*time.Millisecond, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-1", res.RunID)
	assert.False(t, sess.Active(), "a wallet switch during the batch invalidates the session")
}

type stopWatcher struct {
	stopped chan struct{}
}

func (w *stopWatcher) Watch(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	close(w.stopped)
	return nil
}

func TestRunWatched_StopsWatcherWhenBatchReturns(t *testing.T) {
	w := &stopWatcher{stopped: make(chan struct{})}
	runner := runnerFunc(func(context.Context, []model.Producer) (*model.BatchRunResult, error) {
		return &model.BatchRunResult{RunID: "run-2"}, nil
	})

	res, err := runWatched(context.Background(), runner, w, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, "run-2", res.RunID)

	select {
	case <-w.stopped:
	default:
		t.Fatal("watcher still running after the batch returned")
	}
}

func TestRunWatched_BatchError(t *testing.T) {
	w := &stopWatcher{stopped: make(chan struct{})}
	runner := runnerFunc(func(context.Context, []model.Producer) (*model.BatchRunResult, error) {
		return nil, distribution.ErrBatchInProgress
	})

	_, err := runWatched(context.Background(), runner, w, time.Second, nil)
	assert.ErrorIs(t, err, distribution.ErrBatchInProgress)
}

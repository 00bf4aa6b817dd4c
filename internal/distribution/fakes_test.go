package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/reward-distributor/internal/ledger"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/reward"
	"github.com/sells-group/reward-distributor/internal/session"
	"github.com/sells-group/reward-distributor/internal/store"
)

const distributor = "0xd1220a0cf47c7b9be7a2e6ba89f429762e7b9adb"

type transferCall struct {
	Destination string
	Amount      model.Quantity
	Start, End  time.Time
}

type transferFunc func(ctx context.Context, n int, req ledger.TransferRequest) (ledger.Confirmation, error)

// fakeTransferor records transfer calls and detects overlapping submissions.
type fakeTransferor struct {
	mu          sync.Mutex
	calls       []transferCall
	inflight    int
	maxInflight int
	resolves    []string

	delay    time.Duration
	fn       transferFunc
	receipts map[string]ledger.Receipt
}

func (f *fakeTransferor) Transfer(ctx context.Context, _ ledger.Credential, req ledger.TransferRequest) (ledger.Confirmation, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	f.calls = append(f.calls, transferCall{Destination: req.Destination, Amount: req.Amount.Value, Start: time.Now()})
	n := len(f.calls)
	fn := f.fn
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.calls[n-1].End = time.Now()
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if fn != nil {
		return fn(ctx, n, req)
	}
	return confirm(n, req)
}

func (f *fakeTransferor) Resolve(_ context.Context, txID string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, txID)
	if r, ok := f.receipts[txID]; ok {
		return r, nil
	}
	return ledger.Receipt{TxID: txID, Status: ledger.ReceiptNotFound}, nil
}

func (f *fakeTransferor) IsConfirmed(r ledger.Receipt) bool {
	return r.Status == ledger.ReceiptConfirmed && r.Confirmations >= 1
}

func (f *fakeTransferor) Calls() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall(nil), f.calls...)
}

func confirm(n int, req ledger.TransferRequest) (ledger.Confirmation, error) {
	txID := fmt.Sprintf("tx-%d", n)
	if req.OnSubmitted != nil {
		req.OnSubmitted(txID)
	}
	return ledger.Confirmation{ReceiptID: txID, BlockHeight: uint64(100 + n), Confirmations: 1}, nil
}

type staticIdentity struct {
	mu       sync.Mutex
	identity string
}

func (s *staticIdentity) Identity(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, nil
}

type harness struct {
	orch     *Orchestrator
	store    *store.MemoryStore
	ledger   *fakeTransferor
	sessions *session.Manager
	records  []model.DistributionRecord
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	policy, err := reward.NewPolicy(model.MustQuantity("100"), model.MustQuantity("0.01"), 18)
	require.NoError(t, err)

	h := &harness{
		store:    store.NewMemory(),
		ledger:   &fakeTransferor{receipts: map[string]ledger.Receipt{}},
		sessions: session.NewManager(&staticIdentity{identity: distributor}, distributor),
	}
	_, err = h.sessions.Establish(context.Background())
	require.NoError(t, err)

	h.orch = New(cfg, policy, h.store, h.ledger, h.sessions, RecordSinkFunc(func(_ context.Context, rec model.DistributionRecord) {
		h.records = append(h.records, rec)
	}))
	return h
}

// useStore rebuilds the orchestrator on st, keeping the ledger, sessions and
// record sink.
func (h *harness) useStore(st store.Store) {
	o := h.orch
	h.orch = New(o.cfg, o.policy, st, o.transfers, o.sessions, o.sinks...)
}

// flakyStore fails chosen PutPending calls (1-based) and the first
// failCommits CommitTransfer calls.
type flakyStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	puts        int
	failPuts    map[int]bool
	failCommits int
}

func (s *flakyStore) PutPending(ctx context.Context, p model.PendingTransfer) error {
	s.mu.Lock()
	s.puts++
	fail := s.failPuts[s.puts]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.PutPending(ctx, p)
}

func (s *flakyStore) CommitTransfer(ctx context.Context, rec *model.DistributionRecord, newBaseline model.Quantity) error {
	s.mu.Lock()
	fail := s.failCommits > 0
	if fail {
		s.failCommits--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.CommitTransfer(ctx, rec, newBaseline)
}

func (h *harness) seedBaseline(t *testing.T, producerID, value string) {
	t.Helper()
	require.NoError(t, h.store.AdvanceBaseline(context.Background(), producerID, model.MustQuantity(value)))
}

func (h *harness) baseline(t *testing.T, producerID string) model.Quantity {
	t.Helper()
	b, err := h.store.GetBaseline(context.Background(), producerID)
	require.NoError(t, err)
	if b == nil {
		return model.Quantity{}
	}
	return b.LastRewardedUnits
}

func addr(n int) string {
	return fmt.Sprintf("0x%040x", n)
}

func producer(id string, n int, cumulative string) model.Producer {
	return model.Producer{ID: id, PayoutAddress: addr(n), CumulativeProductionUnits: model.MustQuantity(cumulative)}
}

func qeq(t *testing.T, want string, got model.Quantity) {
	t.Helper()
	require.Equalf(t, 0, got.Cmp(model.MustQuantity(want)), "want %s, got %s", want, got)
}

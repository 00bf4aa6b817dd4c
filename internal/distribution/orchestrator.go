// Package distribution runs reconciliation batches: for each producer it
// computes the unrewarded delta, converts it to tokens, transfers them and
// advances the baseline once the ledger confirms.
package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reward-distributor/internal/baseline"
	"github.com/sells-group/reward-distributor/internal/ledger"
	"github.com/sells-group/reward-distributor/internal/model"
	"github.com/sells-group/reward-distributor/internal/reward"
	"github.com/sells-group/reward-distributor/internal/session"
	"github.com/sells-group/reward-distributor/internal/store"
)

// ErrBatchInProgress is returned when RunBatch is called while another batch
// is still running. Overlapping runs are rejected, never queued.
var ErrBatchInProgress = eris.New("distribution: batch already in progress")

// Transferor performs ledger transfers. *ledger.Client implements it.
type Transferor interface {
	Transfer(ctx context.Context, cred ledger.Credential, req ledger.TransferRequest) (ledger.Confirmation, error)
	Resolve(ctx context.Context, txID string) (ledger.Receipt, error)
	IsConfirmed(r ledger.Receipt) bool
}

// Sessions hands out the current authorized session.
type Sessions interface {
	Current() (*session.Session, bool)
}

// RecordSink receives every distribution record after it is committed.
type RecordSink interface {
	Record(ctx context.Context, rec model.DistributionRecord)
}

// RecordSinkFunc adapts a function to RecordSink.
type RecordSinkFunc func(ctx context.Context, rec model.DistributionRecord)

func (f RecordSinkFunc) Record(ctx context.Context, rec model.DistributionRecord) { f(ctx, rec) }

// Config holds orchestration timing.
type Config struct {
	// InterProducerDelay is the pause after a producer that reached the
	// ledger, before the next producer is processed.
	InterProducerDelay time.Duration
	// TransferTimeout bounds one submit-and-wait transfer. Default: 2m.
	TransferTimeout time.Duration
}

// Orchestrator drives batch runs. Only one batch runs at a time.
type Orchestrator struct {
	cfg       Config
	policy    reward.Policy
	baselines *baseline.Tracker
	store     store.Store
	transfers Transferor
	sessions  Sessions
	sinks     []RecordSink

	running atomic.Bool

	mu   sync.RWMutex
	last *model.BatchRunResult

	nowFunc func() time.Time
	newID   func() string
}

// New creates an Orchestrator.
func New(cfg Config, policy reward.Policy, st store.Store, transfers Transferor, sessions Sessions, sinks ...RecordSink) *Orchestrator {
	if cfg.TransferTimeout <= 0 {
		cfg.TransferTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		cfg:       cfg,
		policy:    policy,
		baselines: baseline.NewTracker(st),
		store:     st,
		transfers: transfers,
		sessions:  sessions,
		sinks:     sinks,
		nowFunc:   time.Now,
		newID:     uuid.NewString,
	}
}

// AddSink registers a record sink. Call it before the first batch.
func (o *Orchestrator) AddSink(s RecordSink) {
	o.sinks = append(o.sinks, s)
}

// InProgress reports whether a batch is currently running.
func (o *Orchestrator) InProgress() bool {
	return o.running.Load()
}

// LastResult returns the most recent completed batch, or nil.
func (o *Orchestrator) LastResult() *model.BatchRunResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.last
}

// RunBatch processes producers one at a time in input order and returns a
// result listing every producer. It fails only when another batch is running
// or no authorized session exists; per-producer failures are reported in
// the result.
//
// Cancelling ctx stops the batch between producers. A transfer already
// submitted is always awaited, bounded by the transfer timeout.
func (o *Orchestrator) RunBatch(ctx context.Context, producers []model.Producer) (*model.BatchRunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBatchInProgress
	}
	defer o.running.Store(false)

	sess, ok := o.sessions.Current()
	if !ok || !sess.Active() {
		return nil, &session.AuthorizationError{Reason: "no authorized distributor session"}
	}

	res := &model.BatchRunResult{
		RunID:     o.newID(),
		StartedAt: o.nowFunc(),
		Outcomes:  make([]model.Outcome, 0, len(producers)),
	}
	log := zap.L().With(zap.String("run_id", res.RunID))
	log.Info("distribution: batch started",
		zap.Int("producers", len(producers)),
		zap.String("identity", sess.Identity),
	)

	for i, p := range producers {
		if reason, stop := o.stopReason(ctx, sess); stop {
			res.Aborted = true
			res.AbortReason = reason
			for _, rest := range producers[i:] {
				res.Add(model.Outcome{ProducerID: rest.ID, Status: model.OutcomeSkipped, Reason: reason})
			}
			log.Warn("distribution: batch aborted",
				zap.String("reason", string(reason)),
				zap.Int("remaining", len(producers)-i),
			)
			break
		}

		outcome, touched, fatal := o.processProducer(ctx, sess, res.RunID, p)
		res.Add(outcome)
		logOutcome(log, outcome)

		if fatal {
			res.Aborted = true
			res.AbortReason = outcome.Reason
			for _, rest := range producers[i+1:] {
				res.Add(model.Outcome{ProducerID: rest.ID, Status: model.OutcomeSkipped, Reason: outcome.Reason})
			}
			log.Error("distribution: batch aborted",
				zap.String("reason", string(outcome.Reason)),
				zap.Int("remaining", len(producers)-i-1),
			)
			break
		}

		if touched && i < len(producers)-1 {
			o.pause(ctx)
		}
	}

	res.FinishedAt = o.nowFunc()
	log.Info("distribution: batch finished",
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	)

	o.mu.Lock()
	o.last = res
	o.mu.Unlock()
	return res, nil
}

func (o *Orchestrator) stopReason(ctx context.Context, sess *session.Session) (model.Reason, bool) {
	if ctx.Err() != nil {
		return model.ReasonCancelled, true
	}
	if !sess.Active() {
		return model.ReasonSessionInvalidated, true
	}
	return model.ReasonNone, false
}

// processProducer handles one producer. touched reports whether the ledger
// was contacted; fatal means the batch cannot safely continue.
func (o *Orchestrator) processProducer(ctx context.Context, sess *session.Session, runID string, p model.Producer) (model.Outcome, bool, bool) {
	out := model.Outcome{ProducerID: p.ID}
	log := zap.L().With(zap.String("run_id", runID), zap.String("producer_id", p.ID))

	pending, err := o.store.GetPending(ctx, p.ID)
	if err != nil {
		log.Error("distribution: load pending transfer", zap.Error(err))
		return failed(out, model.ReasonUnknown, "pending transfer lookup failed"), false, false
	}
	if pending != nil {
		resolved, done := o.resolvePending(ctx, runID, *pending)
		if done {
			return resolved, pending.TxID != "", false
		}
	}

	if err := ledger.ValidateAddress(p.PayoutAddress); err != nil {
		return skipped(out, model.ReasonInvalidDestination, "payout address missing or malformed"), false, false
	}

	delta, err := o.baselines.Delta(ctx, p)
	if err != nil {
		log.Error("distribution: compute delta", zap.Error(err))
		return failed(out, model.ReasonUnknown, "baseline lookup failed"), false, false
	}
	out.DeltaUnits = quantityPtr(delta)

	amount, err := o.policy.Convert(delta)
	if err != nil {
		if errors.Is(err, reward.ErrIneligible) {
			detail := "delta below threshold"
			if delta.Sign() < 0 {
				detail = "cumulative production below baseline"
				log.Warn("distribution: reported cumulative below baseline", zap.String("delta", delta.String()))
			}
			return skipped(out, model.ReasonNoEligibleDelta, detail), false, false
		}
		log.Error("distribution: convert delta", zap.Error(err))
		return failed(out, model.ReasonUnknown, "conversion failed"), false, false
	}
	out.TokenAmount = quantityPtr(amount.Value)

	// The batch cancel signal must not interrupt a submitted transfer.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TransferTimeout)
	defer cancel()

	// No transfer is submitted without a journal entry. The entry carries no
	// tx id until the ledger accepts the submission.
	entry := model.PendingTransfer{
		ProducerID:       p.ID,
		RunID:            runID,
		Destination:      p.PayoutAddress,
		DeltaUnits:       delta,
		TargetCumulative: p.CumulativeProductionUnits,
		TokenAmount:      amount.Value,
		SubmittedAt:      o.nowFunc(),
	}
	if err := o.store.PutPending(tctx, entry); err != nil {
		log.Error("distribution: journal transfer intent", zap.Error(err))
		return failed(out, model.ReasonJournalUnavailable, "transfer journal unavailable"), false, true
	}

	var recorded bool
	conf, err := o.transfers.Transfer(tctx, sess, ledger.TransferRequest{
		Destination: p.PayoutAddress,
		Amount:      amount,
		OnSubmitted: func(txID string) {
			entry.TxID = txID
			entry.SubmittedAt = o.nowFunc()
			if err := o.store.PutPending(tctx, entry); err != nil {
				log.Error("distribution: journal submitted transfer", zap.String("tx_id", txID), zap.Error(err))
				return
			}
			recorded = true
		},
	})
	if err != nil {
		return o.transferFailed(context.WithoutCancel(ctx), log, out, entry, recorded, err), true, false
	}

	rec := &model.DistributionRecord{
		ID:          o.newID(),
		RunID:       runID,
		ProducerID:  p.ID,
		Destination: p.PayoutAddress,
		DeltaUnits:  delta,
		TokenAmount: amount.Value,
		ReceiptID:   conf.ReceiptID,
		BlockHeight: conf.BlockHeight,
		ConfirmedAt: o.nowFunc(),
	}
	if reason, ok := o.commit(context.WithoutCancel(ctx), log, rec, entry.TargetCumulative); !ok {
		if !recorded {
			// Let the next run resolve the confirmed transfer by id.
			entry.TxID = conf.ReceiptID
			if err := o.store.PutPending(context.WithoutCancel(ctx), entry); err != nil {
				log.Error("distribution: journal confirmed transfer", zap.String("tx_id", conf.ReceiptID), zap.Error(err))
			}
		}
		return failed(out, reason, "transfer confirmed but baseline commit failed"), true, false
	}

	out.Status = model.OutcomeSucceeded
	out.ReceiptID = conf.ReceiptID
	return out, true, false
}

// transferFailed maps a Transfer error to an outcome. The journal entry is
// kept only when the transfer may still land.
func (o *Orchestrator) transferFailed(ctx context.Context, log *zap.Logger, out model.Outcome, entry model.PendingTransfer, recorded bool, err error) model.Outcome {
	var te *ledger.TransferError
	submitted := errors.As(err, &te) && te.Submitted()
	log = log.With(zap.Error(err))
	if submitted {
		log = log.With(zap.String("tx_id", te.TxID))
	}

	// Submitted but neither confirmed nor failed: the transfer may still land.
	if submitted && te.Kind == ledger.KindNetworkOrLedgerTransient {
		if !recorded {
			entry.TxID = te.TxID
			recorded = o.store.PutPending(ctx, entry) == nil
		}
		if !recorded {
			log.Error("distribution: transfer outcome unknown and tx id not journaled")
			return failed(out, model.ReasonTransferInDoubt, "confirmation not observed and tx id not journaled; needs manual resolution")
		}
		log.Warn("distribution: transfer outcome unknown, left pending")
		return failed(out, model.ReasonTransferInDoubt, "confirmation not observed before timeout")
	}

	if derr := o.store.DeletePending(ctx, entry.ProducerID); derr != nil {
		log.Error("distribution: clear pending transfer", zap.NamedError("delete_error", derr))
	}
	if errors.Is(err, ledger.ErrSessionInactive) {
		return skipped(out, model.ReasonSessionInvalidated, "session invalidated before submission")
	}
	reason := ledger.ReasonOf(err)
	log.Warn("distribution: transfer failed", zap.String("reason", string(reason)))
	return failed(out, reason, "transfer "+string(reason))
}

// resolvePending settles a transfer journaled by an earlier run. done is
// false when the producer should be processed normally afterwards.
func (o *Orchestrator) resolvePending(ctx context.Context, runID string, p model.PendingTransfer) (model.Outcome, bool) {
	out := model.Outcome{
		ProducerID:  p.ProducerID,
		DeltaUnits:  quantityPtr(p.DeltaUnits),
		TokenAmount: quantityPtr(p.TokenAmount),
	}
	log := zap.L().With(
		zap.String("run_id", runID),
		zap.String("producer_id", p.ProducerID),
		zap.String("tx_id", p.TxID),
	)

	if p.TxID == "" {
		log.Warn("distribution: pending transfer has no tx id")
		return skipped(out, model.ReasonTransferInDoubt, "earlier transfer has no journaled tx id; needs manual resolution"), true
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.TransferTimeout)
	defer cancel()

	r, err := o.transfers.Resolve(rctx, p.TxID)
	if err != nil {
		log.Warn("distribution: resolve pending transfer", zap.Error(err))
		return skipped(out, model.ReasonTransferInDoubt, "earlier transfer could not be resolved"), true
	}

	switch {
	case o.transfers.IsConfirmed(r):
		rec := &model.DistributionRecord{
			ID:          o.newID(),
			RunID:       p.RunID,
			ProducerID:  p.ProducerID,
			Destination: p.Destination,
			DeltaUnits:  p.DeltaUnits,
			TokenAmount: p.TokenAmount,
			ReceiptID:   p.TxID,
			BlockHeight: r.BlockHeight,
			ConfirmedAt: o.nowFunc(),
		}
		if reason, ok := o.commit(context.WithoutCancel(ctx), log, rec, p.TargetCumulative); !ok {
			return failed(out, reason, "earlier transfer confirmed but baseline commit failed"), true
		}
		log.Info("distribution: resolved earlier transfer as confirmed")
		out.Status = model.OutcomeSucceeded
		out.ReceiptID = p.TxID
		out.Detail = "resolved"
		return out, true

	case r.Status == ledger.ReceiptFailed || r.Status == ledger.ReceiptNotFound:
		if err := o.store.DeletePending(rctx, p.ProducerID); err != nil {
			log.Error("distribution: clear failed pending transfer", zap.Error(err))
			return failed(out, model.ReasonUnknown, "pending transfer could not be cleared"), true
		}
		log.Info("distribution: earlier transfer did not land", zap.String("status", string(r.Status)))
		return model.Outcome{}, false

	default:
		return skipped(out, model.ReasonTransferInDoubt, "earlier transfer still awaiting confirmation"), true
	}
}

// commit advances the baseline, appends rec and clears the pending entry.
func (o *Orchestrator) commit(ctx context.Context, log *zap.Logger, rec *model.DistributionRecord, target model.Quantity) (model.Reason, bool) {
	if err := o.baselines.CommitTransfer(ctx, rec, target); err != nil {
		reason := model.ReasonUnknown
		if errors.Is(err, store.ErrRegression) {
			reason = model.ReasonBaselineRegression
		}
		log.Error("distribution: commit confirmed transfer",
			zap.String("receipt_id", rec.ReceiptID),
			zap.String("target", target.String()),
			zap.Error(err),
		)
		return reason, false
	}
	for _, s := range o.sinks {
		s.Record(ctx, *rec)
	}
	return model.ReasonNone, true
}

func (o *Orchestrator) pause(ctx context.Context) {
	if o.cfg.InterProducerDelay <= 0 {
		return
	}
	t := time.NewTimer(o.cfg.InterProducerDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func failed(o model.Outcome, reason model.Reason, detail string) model.Outcome {
	o.Status = model.OutcomeFailed
	o.Reason = reason
	o.Detail = detail
	return o
}

func skipped(o model.Outcome, reason model.Reason, detail string) model.Outcome {
	o.Status = model.OutcomeSkipped
	o.Reason = reason
	o.Detail = detail
	return o
}

func quantityPtr(q model.Quantity) *model.Quantity { return &q }

func logOutcome(log *zap.Logger, o model.Outcome) {
	fields := []zap.Field{
		zap.String("producer_id", o.ProducerID),
		zap.String("status", string(o.Status)),
	}
	if o.Reason != model.ReasonNone {
		fields = append(fields, zap.String("reason", string(o.Reason)))
	}
	if o.TokenAmount != nil {
		fields = append(fields, zap.String("token_amount", o.TokenAmount.String()))
	}
	if o.ReceiptID != "" {
		fields = append(fields, zap.String("receipt_id", o.ReceiptID))
	}
	log.Info("distribution: producer processed", fields...)
}

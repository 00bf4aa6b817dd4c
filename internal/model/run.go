package model

import "time"

// OutcomeStatus is the per-producer result of a batch run.
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Reason explains a failed or skipped outcome.
type Reason string

const (
	ReasonNone                      Reason = ""
	ReasonInvalidDestination        Reason = "invalid_destination"
	ReasonNoEligibleDelta           Reason = "no_eligible_delta"
	ReasonInsufficientTreasuryFunds Reason = "insufficient_treasury_funds"
	ReasonNetworkOrLedgerTransient  Reason = "network_or_ledger_transient"
	ReasonRejected                  Reason = "rejected"
	ReasonUnknown                   Reason = "unknown"
	ReasonTransferInDoubt           Reason = "transfer_in_doubt"
	ReasonSessionInvalidated        Reason = "session_invalidated"
	ReasonCancelled                 Reason = "cancelled"
	ReasonBaselineRegression        Reason = "baseline_regression"
	ReasonJournalUnavailable        Reason = "journal_unavailable"
)

// Outcome is what happened to one producer during a batch run.
type Outcome struct {
	ProducerID  string        `json:"producer_id"`
	Status      OutcomeStatus `json:"status"`
	Reason      Reason        `json:"reason,omitempty"`
	Detail      string        `json:"detail,omitempty"`
	DeltaUnits  *Quantity     `json:"delta_units,omitempty"`
	TokenAmount *Quantity     `json:"token_amount,omitempty"`
	ReceiptID   string        `json:"ledger_receipt_id,omitempty"`
}

// BatchRunResult summarises one orchestration run. It always lists every
// producer of the input snapshot, in input order.
type BatchRunResult struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Outcomes    []Outcome `json:"outcomes"`
	Aborted     bool      `json:"aborted,omitempty"`
	AbortReason Reason    `json:"abort_reason,omitempty"`
}

// Add appends an outcome and updates the counters.
func (r *BatchRunResult) Add(o Outcome) {
	switch o.Status {
	case OutcomeSucceeded:
		r.Succeeded++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Outcome returns the outcome recorded for producerID, if any.
func (r *BatchRunResult) Outcome(producerID string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.ProducerID == producerID {
			return o, true
		}
	}
	return Outcome{}, false
}

// FailureRate is failed / attempted, where attempted excludes skips.
func (r *BatchRunResult) FailureRate() float64 {
	attempted := r.Succeeded + r.Failed
	if attempted == 0 {
		return 0
	}
	return float64(r.Failed) / float64(attempted)
}

package model

import "time"

// DistributionRecord is the audit entry for one confirmed transfer. Records
// are append-only and never drive control flow.
type DistributionRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	ProducerID  string    `json:"producer_id"`
	Destination string    `json:"destination"`
	DeltaUnits  Quantity  `json:"delta_units"`
	TokenAmount Quantity  `json:"token_amount"`
	ReceiptID   string    `json:"ledger_receipt_id"`
	BlockHeight uint64    `json:"confirmed_block_height"`
	Seq         int64     `json:"confirmed_at_logical_time"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// PendingTransfer journals a transfer that was submitted to the ledger but
// whose confirmation has not been observed yet.
type PendingTransfer struct {
	ProducerID       string    `json:"producer_id"`
	RunID            string    `json:"run_id"`
	TxID             string    `json:"tx_id"`
	Destination      string    `json:"destination"`
	DeltaUnits       Quantity  `json:"delta_units"`
	TargetCumulative Quantity  `json:"target_cumulative"`
	TokenAmount      Quantity  `json:"token_amount"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

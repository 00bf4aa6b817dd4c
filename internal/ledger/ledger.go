// Package ledger adapts the external value-transfer ledger: address checks,
// a JSON-RPC gateway client and the submit-and-wait transfer client used by
// the distribution run.
package ledger

import (
	"context"
	"math/big"
)

// ReceiptStatus is the ledger's view of a submitted transfer.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
	// ReceiptNotFound means the ledger has no record of the transaction.
	ReceiptNotFound ReceiptStatus = "not_found"
)

// Receipt describes the state of one transaction.
type Receipt struct {
	TxID          string        `json:"tx_id"`
	Status        ReceiptStatus `json:"status"`
	Confirmations uint64        `json:"confirmations"`
	BlockHeight   uint64        `json:"block_height"`
	Reason        string        `json:"reason,omitempty"`
}

// Ledger is the RPC surface of the external ledger. Amounts are in the
// token's smallest unit.
type Ledger interface {
	// Identity returns the account currently authorized to spend from the
	// treasury, or "" if none is connected.
	Identity(ctx context.Context) (string, error)
	// TreasuryBalance returns the spendable balance of from.
	TreasuryBalance(ctx context.Context, from string) (*big.Int, error)
	// SubmitTransfer sends amount to to and returns the transaction id
	// without waiting for confirmation.
	SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error)
	// Receipt looks up a submitted transaction.
	Receipt(ctx context.Context, txID string) (Receipt, error)
}

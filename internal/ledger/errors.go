package ledger

import (
	"errors"
	"fmt"

	"github.com/sells-group/reward-distributor/internal/model"
)

// Kind classifies a transfer failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidDestination
	KindInsufficientTreasuryFunds
	KindNetworkOrLedgerTransient
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindInvalidDestination:
		return "invalid_destination"
	case KindInsufficientTreasuryFunds:
		return "insufficient_treasury_funds"
	case KindNetworkOrLedgerTransient:
		return "network_or_ledger_transient"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Reason maps the kind onto the outcome reason shown to operators.
func (k Kind) Reason() model.Reason {
	switch k {
	case KindInvalidDestination:
		return model.ReasonInvalidDestination
	case KindInsufficientTreasuryFunds:
		return model.ReasonInsufficientTreasuryFunds
	case KindNetworkOrLedgerTransient:
		return model.ReasonNetworkOrLedgerTransient
	case KindRejected:
		return model.ReasonRejected
	default:
		return model.ReasonUnknown
	}
}

// Sentinels for errors.Is against a *TransferError of the matching kind.
var (
	ErrInvalidDestination        = &TransferError{Kind: KindInvalidDestination}
	ErrInsufficientTreasuryFunds = &TransferError{Kind: KindInsufficientTreasuryFunds}
	ErrNetworkOrLedgerTransient  = &TransferError{Kind: KindNetworkOrLedgerTransient}
	ErrRejected                  = &TransferError{Kind: KindRejected}
	ErrUnknown                   = &TransferError{Kind: KindUnknown}
)

// TransferError classifies a failed transfer. TxID is set once the ledger
// has accepted the submission, which means the transfer may still land even
// though the call failed.
type TransferError struct {
	Kind Kind
	TxID string
	Err  error
}

func newTransferError(kind Kind, txID string, err error) *TransferError {
	return &TransferError{Kind: kind, TxID: txID, Err: err}
}

func (e *TransferError) Error() string {
	msg := "ledger: transfer " + e.Kind.String()
	if e.TxID != "" {
		msg += fmt.Sprintf(" (tx %s)", e.TxID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error { return e.Err }

// Is matches any TransferError of the same kind.
func (e *TransferError) Is(target error) bool {
	t, ok := target.(*TransferError)
	return ok && t.Kind == e.Kind
}

// Submitted reports whether the ledger accepted the transfer before it failed.
func (e *TransferError) Submitted() bool { return e.TxID != "" }

// KindOf extracts the kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnknown
}

// ReasonOf maps err onto an outcome reason.
func ReasonOf(err error) model.Reason {
	return KindOf(err).Reason()
}

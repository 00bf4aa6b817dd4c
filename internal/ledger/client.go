package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/reward-distributor/internal/resilience"
	"github.com/sells-group/reward-distributor/internal/reward"
)

// ErrSessionInactive is returned when the sender credential is no longer
// authorized. No ledger call has been made when it is returned.
var ErrSessionInactive = eris.New("ledger: distributor session is not active")

// Credential is the authorized sender a transfer is made from.
type Credential interface {
	Account() string
	Active() bool
}

// Confirmation is the result of a confirmed transfer.
type Confirmation struct {
	ReceiptID     string
	BlockHeight   uint64
	Confirmations uint64
}

// TransferRequest is one submit-and-wait transfer.
type TransferRequest struct {
	Destination string
	Amount      reward.TokenAmount
	// OnSubmitted runs after the ledger accepted the transaction and before
	// confirmation is awaited.
	OnSubmitted func(txID string)
}

// ClientConfig controls confirmation and pre-checks.
type ClientConfig struct {
	// Confirmations required before a receipt counts as confirmed. Minimum 1.
	Confirmations uint64
	// PollInterval between receipt lookups. Default: 1s.
	PollInterval time.Duration
	// TreasuryPrecheck reads the treasury balance before submitting.
	TreasuryPrecheck bool
}

// Client performs submit-and-wait transfers. It never retries a submission.
type Client struct {
	ledger Ledger
	cfg    ClientConfig
}

// NewClient wraps l.
func NewClient(l Ledger, cfg ClientConfig) *Client {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Client{ledger: l, cfg: cfg}
}

// Ledger returns the wrapped ledger.
func (c *Client) Ledger() Ledger { return c.ledger }

// Transfer submits req from the credential's account and blocks until the
// ledger confirms it, reports it failed, or ctx is done. Destination, amount
// and credential are checked before any network call.
func (c *Client) Transfer(ctx context.Context, cred Credential, req TransferRequest) (Confirmation, error) {
	if err := ValidateAddress(req.Destination); err != nil {
		return Confirmation{}, err
	}
	if !req.Amount.IsPositive() {
		return Confirmation{}, newTransferError(KindRejected, "", eris.New("ledger: transfer amount must be positive"))
	}
	amount, err := req.Amount.BaseUnits()
	if err != nil {
		return Confirmation{}, newTransferError(KindRejected, "", err)
	}
	if cred == nil || !cred.Active() {
		return Confirmation{}, ErrSessionInactive
	}
	from := cred.Account()

	if c.cfg.TreasuryPrecheck {
		if err := c.precheck(ctx, from, amount); err != nil {
			return Confirmation{}, err
		}
	}

	// The session may have been invalidated while the balance was read.
	if !cred.Active() {
		return Confirmation{}, ErrSessionInactive
	}

	txID, err := c.ledger.SubmitTransfer(ctx, from, req.Destination, amount)
	if err != nil {
		return Confirmation{}, newTransferError(classify(err), "", eris.Wrap(err, "ledger: submit transfer"))
	}
	zap.L().Debug("ledger: transfer submitted",
		zap.String("tx_id", txID),
		zap.String("destination", req.Destination),
		zap.String("amount", amount.String()),
	)
	if req.OnSubmitted != nil {
		req.OnSubmitted(txID)
	}

	return c.await(ctx, txID)
}

// Resolve performs a single receipt lookup for a transaction whose outcome
// was never observed.
func (c *Client) Resolve(ctx context.Context, txID string) (Receipt, error) {
	r, err := c.ledger.Receipt(ctx, txID)
	if err != nil {
		return Receipt{}, newTransferError(classify(err), txID, eris.Wrap(err, "ledger: resolve receipt"))
	}
	return r, nil
}

// IsConfirmed reports whether r has reached the required confirmation depth.
func (c *Client) IsConfirmed(r Receipt) bool {
	return r.Status == ReceiptConfirmed && r.Confirmations >= c.cfg.Confirmations
}

func (c *Client) precheck(ctx context.Context, from string, amount *big.Int) error {
	bal, err := c.ledger.TreasuryBalance(ctx, from)
	if err != nil {
		return newTransferError(classify(err), "", eris.Wrap(err, "ledger: treasury balance"))
	}
	if bal.Cmp(amount) < 0 {
		return newTransferError(KindInsufficientTreasuryFunds, "",
			eris.Errorf("ledger: treasury balance %s below transfer amount %s", bal, amount))
	}
	return nil
}

func (c *Client) await(ctx context.Context, txID string) (Confirmation, error) {
	limiter := rate.NewLimiter(rate.Every(c.cfg.PollInterval), 1)
	var lastErr error
	for {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return Confirmation{}, newTransferError(KindNetworkOrLedgerTransient, txID,
				eris.Wrap(lastErr, "ledger: confirmation not observed"))
		}

		r, err := c.ledger.Receipt(ctx, txID)
		if err != nil {
			lastErr = err
			zap.L().Debug("ledger: receipt lookup failed", zap.String("tx_id", txID), zap.Error(err))
			continue
		}

		switch {
		case c.IsConfirmed(r):
			return Confirmation{
				ReceiptID:     txID,
				BlockHeight:   r.BlockHeight,
				Confirmations: r.Confirmations,
			}, nil
		case r.Status == ReceiptFailed:
			return Confirmation{}, newTransferError(KindRejected, txID,
				eris.Errorf("ledger: transaction failed: %s", r.Reason))
		}
	}
}

func classify(err error) Kind {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind()
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, resilience.ErrCircuitOpen) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		resilience.IsTransient(err) {
		return KindNetworkOrLedgerTransient
	}
	return KindUnknown
}

package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reward-distributor/internal/resilience"
)

// JSON-RPC error codes returned by the distributor gateway.
const (
	CodeInternal          = -32603
	CodeOverloaded        = -32005
	CodeInsufficientFunds = -32010
	CodeInvalidAddress    = -32011
	CodeRejected          = -32012
	CodeUnauthorized      = -32013
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// Kind classifies the RPC error code.
func (e *RPCError) Kind() Kind {
	switch e.Code {
	case CodeInsufficientFunds:
		return KindInsufficientTreasuryFunds
	case CodeInvalidAddress:
		return KindInvalidDestination
	case CodeRejected, CodeUnauthorized:
		return KindRejected
	case CodeOverloaded, CodeInternal:
		return KindNetworkOrLedgerTransient
	default:
		return KindUnknown
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCOption configures an RPCLedger.
type RPCOption func(*RPCLedger)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) RPCOption {
	return func(l *RPCLedger) { l.apiKey = key }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) RPCOption {
	return func(l *RPCLedger) { l.http = hc }
}

// WithRetry overrides the retry policy for read-only calls.
func WithRetry(cfg resilience.RetryConfig) RPCOption {
	return func(l *RPCLedger) { l.retry = cfg }
}

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) RPCOption {
	return func(l *RPCLedger) { l.breaker = cb }
}

// RPCLedger implements Ledger over JSON-RPC 2.0 on HTTP.
type RPCLedger struct {
	url     string
	apiKey  string
	http    *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	nextID  atomic.Uint64
}

var _ Ledger = (*RPCLedger)(nil)

// NewRPCLedger creates a gateway client for rpcURL.
func NewRPCLedger(rpcURL string, opts ...RPCOption) *RPCLedger {
	l := &RPCLedger{
		url: rpcURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		retry: resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.breaker == nil {
		l.breaker = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig())
	}
	if l.retry.OnRetry == nil {
		l.retry.OnRetry = resilience.RetryLogger("ledger_rpc")
	}
	return l
}

// Breaker exposes the circuit breaker for status reporting.
func (l *RPCLedger) Breaker() *resilience.CircuitBreaker { return l.breaker }

func (l *RPCLedger) Identity(ctx context.Context) (string, error) {
	var identity *string
	if err := l.read(ctx, "ledger_identity", struct{}{}, &identity); err != nil {
		return "", err
	}
	if identity == nil {
		return "", nil
	}
	return *identity, nil
}

func (l *RPCLedger) TreasuryBalance(ctx context.Context, from string) (*big.Int, error) {
	var raw string
	params := map[string]string{"account": from}
	if err := l.read(ctx, "ledger_treasuryBalance", params, &raw); err != nil {
		return nil, err
	}
	bal, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, eris.Errorf("ledger: unparseable treasury balance %q", raw)
	}
	return bal, nil
}

// SubmitTransfer is never retried. A transient failure here leaves the
// caller unable to tell whether the ledger accepted the transaction.
func (l *RPCLedger) SubmitTransfer(ctx context.Context, from, to string, amount *big.Int) (string, error) {
	params := map[string]string{"from": from, "to": to, "amount": amount.String()}
	txID, err := resilience.ExecuteVal(ctx, l.breaker, func(ctx context.Context) (string, error) {
		var txID string
		if err := l.call(ctx, "ledger_submitTransfer", params, &txID); err != nil {
			return "", err
		}
		return txID, nil
	})
	if err != nil {
		return "", err
	}
	if txID == "" {
		return "", eris.New("ledger: gateway returned empty transaction id")
	}
	return txID, nil
}

func (l *RPCLedger) Receipt(ctx context.Context, txID string) (Receipt, error) {
	var r *Receipt
	if err := l.read(ctx, "ledger_getReceipt", map[string]string{"tx_id": txID}, &r); err != nil {
		return Receipt{}, err
	}
	if r == nil {
		return Receipt{TxID: txID, Status: ReceiptNotFound}, nil
	}
	if r.TxID == "" {
		r.TxID = txID
	}
	return *r, nil
}

// read is call with retries, for idempotent methods.
func (l *RPCLedger) read(ctx context.Context, method string, params, out any) error {
	return resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.breaker.Execute(ctx, func(ctx context.Context) error {
			return l.call(ctx, method, params, out)
		})
	})
}

func (l *RPCLedger) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      l.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return eris.Wrapf(err, "ledger: encode %s", method)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "ledger: create %s request", method)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.apiKey)
	}

	resp, err := l.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "ledger: %s", method)
		}
		return resilience.NewTransientError(eris.Wrapf(err, "ledger: %s", method), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resilience.NewTransientError(eris.Wrapf(err, "ledger: read %s response", method), resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("ledger: %s returned status %d", method, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return eris.Wrapf(err, "ledger: decode %s response", method)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Kind() == KindNetworkOrLedgerTransient {
			return resilience.NewTransientError(rpcResp.Error, resp.StatusCode)
		}
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return eris.Wrapf(err, "ledger: decode %s result", method)
	}
	return nil
}

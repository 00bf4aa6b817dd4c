package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reward-distributor/internal/resilience"
)

type rpcHandler func(method string, params json.RawMessage) (any, *RPCError)

func newTestGateway(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := h(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fastRPCRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRPCLedger_Identity(t *testing.T) {
	srv := newTestGateway(t, func(method string, _ json.RawMessage) (any, *RPCError) {
		assert.Equal(t, "ledger_identity", method)
		return "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", nil
	})

	l := NewRPCLedger(srv.URL)
	id, err := l.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", id)
}

func TestRPCLedger_IdentityNull(t *testing.T) {
	srv := newTestGateway(t, func(string, json.RawMessage) (any, *RPCError) {
		return nil, nil
	})

	id, err := NewRPCLedger(srv.URL).Identity(context.Background())
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestRPCLedger_SendsAPIKey(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewRPCLedger(srv.URL, WithAPIKey("secret")).Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
}

func TestRPCLedger_TreasuryBalance(t *testing.T) {
	srv := newTestGateway(t, func(method string, params json.RawMessage) (any, *RPCError) {
		var p map[string]string
		assert.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "0xtreasury", p["account"])
		return "1250000000000000000000", nil
	})

	bal, err := NewRPCLedger(srv.URL).TreasuryBalance(context.Background(), "0xtreasury")
	require.NoError(t, err)
	want, _ := new(big.Int).SetString("1250000000000000000000", 10)
	assert.Equal(t, 0, want.Cmp(bal))
}

func TestRPCLedger_TreasuryBalanceGarbage(t *testing.T) {
	srv := newTestGateway(t, func(string, json.RawMessage) (any, *RPCError) {
		return "lots", nil
	})

	_, err := NewRPCLedger(srv.URL).TreasuryBalance(context.Background(), "0xtreasury")
	assert.Error(t, err)
}

func TestRPCLedger_SubmitTransfer(t *testing.T) {
	srv := newTestGateway(t, func(method string, params json.RawMessage) (any, *RPCError) {
		assert.Equal(t, "ledger_submitTransfer", method)
		var p map[string]string
		assert.NoError(t, json.Unmarshal(params, &p))
		assert.Equal(t, "0xfrom", p["from"])
		assert.Equal(t, "0xto", p["to"])
		assert.Equal(t, "1250", p["amount"])
		return "tx-1", nil
	})

	txID, err := NewRPCLedger(srv.URL).SubmitTransfer(context.Background(), "0xfrom", "0xto", big.NewInt(1250))
	require.NoError(t, err)
	assert.Equal(t, "tx-1", txID)
}

func TestRPCLedger_SubmitTransferRPCError(t *testing.T) {
	srv := newTestGateway(t, func(string, json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: CodeInsufficientFunds, Message: "execution reverted: ERC20: transfer amount exceeds balance"}
	})

	_, err := NewRPCLedger(srv.URL).SubmitTransfer(context.Background(), "0xfrom", "0xto", big.NewInt(1))
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, KindInsufficientTreasuryFunds, rpcErr.Kind())
}

func TestRPCLedger_SubmitNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := NewRPCLedger(srv.URL, WithRetry(fastRPCRetry()))
	_, err := l.SubmitTransfer(context.Background(), "0xfrom", "0xto", big.NewInt(1))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRPCLedger_ReadsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0xabc"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	id, err := NewRPCLedger(srv.URL, WithRetry(fastRPCRetry())).Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xabc", id)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRPCLedger_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewRPCLedger(srv.URL, WithRetry(fastRPCRetry())).Identity(context.Background())
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestRPCLedger_CircuitOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour})
	l := NewRPCLedger(srv.URL, WithRetry(resilience.RetryConfig{MaxAttempts: 1}), WithCircuitBreaker(cb))

	for i := 0; i < 2; i++ {
		_, err := l.SubmitTransfer(context.Background(), "0xfrom", "0xto", big.NewInt(1))
		require.Error(t, err)
	}
	assert.Equal(t, resilience.CircuitOpen, l.Breaker().State())

	_, err := l.SubmitTransfer(context.Background(), "0xfrom", "0xto", big.NewInt(1))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRPCLedger_Receipt(t *testing.T) {
	srv := newTestGateway(t, func(method string, params json.RawMessage) (any, *RPCError) {
		var p map[string]string
		assert.NoError(t, json.Unmarshal(params, &p))
		if p["tx_id"] == "missing" {
			return nil, nil
		}
		return Receipt{Status: ReceiptConfirmed, Confirmations: 12, BlockHeight: 900}, nil
	})
	l := NewRPCLedger(srv.URL)

	r, err := l.Receipt(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", r.TxID)
	assert.Equal(t, ReceiptConfirmed, r.Status)
	assert.EqualValues(t, 12, r.Confirmations)
	assert.EqualValues(t, 900, r.BlockHeight)

	r, err = l.Receipt(context.Background(), "missing")
	require.NoError(t, err)
	assert.Equal(t, ReceiptNotFound, r.Status)
}

func TestRPCLedger_TransientRPCCode(t *testing.T) {
	srv := newTestGateway(t, func(string, json.RawMessage) (any, *RPCError) {
		return nil, &RPCError{Code: CodeOverloaded, Message: "too many requests"}
	})

	_, err := NewRPCLedger(srv.URL, WithRetry(fastRPCRetry())).Identity(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, KindNetworkOrLedgerTransient, classify(err))
}

package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

const owner = "0x71c7656ec7ab88b098defb751b7401b5f6d8976f"

func fast(c *jsonClient) {
	c.retry.InitialDelay = time.Millisecond
	c.retry.MaxDelay = time.Millisecond
}

func TestSwapClient_ExecuteSwaps(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/swaps", r.URL.Path)
		assert.Equal(t, "rebalance-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"executionId":"exec-42","status":"accepted"}`))
	}))
	defer server.Close()

	client := NewSwapClient(ClientConfig{BaseURL: server.URL + "/"})
	execution, err := client.ExecuteSwaps(context.Background(), SwapRequest{
		Owner:          owner,
		SlippageBps:    50,
		IdempotencyKey: "rebalance-1",
		Swaps: []models.SwapOperation{
			{Side: types.SwapSell, FromAsset: types.AssetWrappedSOL, ToAsset: types.AssetDevnetUSDC, Amount: 3_000_000},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "exec-42", execution.ID)
	assert.Equal(t, owner, got["owner"])
	assert.Equal(t, float64(50), got["slippageBps"])

	swaps := got["swaps"].([]interface{})
	require.Len(t, swaps, 1)
	assert.Equal(t, "3000000", swaps[0].(map[string]interface{})["amount"])
	assert.Equal(t, "sell", swaps[0].(map[string]interface{})["side"])
}

func TestSwapClient_EmptyBatchIsNotSent(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	execution, err := NewSwapClient(ClientConfig{BaseURL: server.URL}).ExecuteSwaps(context.Background(), SwapRequest{Owner: owner})
	require.NoError(t, err)
	assert.Equal(t, "skipped", execution.Status)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestSwapClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"executionId":"exec-1","status":"accepted"}`))
	}))
	defer server.Close()

	client := NewSwapClient(ClientConfig{BaseURL: server.URL, RetryAttempts: 3})
	fast(client.client)

	_, err := client.ExecuteSwaps(context.Background(), SwapRequest{
		Owner: owner,
		Swaps: []models.SwapOperation{{Side: types.SwapBuy, FromAsset: types.AssetWrappedSOL, ToAsset: types.AssetDevnetUSDC, Amount: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSwapClient_DoesNotRetryRejections(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown asset"}`))
	}))
	defer server.Close()

	client := NewSwapClient(ClientConfig{BaseURL: server.URL, RetryAttempts: 3})
	fast(client.client)

	_, err := client.ExecuteSwaps(context.Background(), SwapRequest{
		Owner: owner,
		Swaps: []models.SwapOperation{{Side: types.SwapBuy, FromAsset: types.AssetWrappedSOL, ToAsset: "bogus", Amount: 1}},
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, apperrors.CodeCollaboratorRejected, apperrors.Categorize(err).Code)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestSwapClient_OpenCircuit(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	breakers := circuitbreaker.NewCircuitBreakerManager()
	client := NewSwapClient(ClientConfig{BaseURL: server.URL, RetryAttempts: 1, Breakers: breakers})
	req := SwapRequest{
		Owner: owner,
		Swaps: []models.SwapOperation{{Side: types.SwapBuy, FromAsset: types.AssetWrappedSOL, ToAsset: types.AssetDevnetUSDC, Amount: 1}},
	}

	for i := 0; i < 5; i++ {
		_, err := client.ExecuteSwaps(context.Background(), req)
		assert.ErrorIs(t, err, apperrors.ErrSwapExecutionFailed)
	}
	require.True(t, breakers.AnyOpen())

	_, err := client.ExecuteSwaps(context.Background(), req)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavailable)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestTransferClient_Transfer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/transfers", r.URL.Path)
		assert.Equal(t, "deposit-7", r.Header.Get("Idempotency-Key"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "deposit", body["direction"])
		assert.Equal(t, "1500", body["amount"])
		assert.NotContains(t, body, "IdempotencyKey")

		_, _ = w.Write([]byte(`{"transferId":"tr-9","status":"settled"}`))
	}))
	defer server.Close()

	client := NewTransferClient(ClientConfig{BaseURL: server.URL})
	receipt, err := client.Transfer(context.Background(), TransferRequest{
		Owner:          owner,
		AssetID:        types.AssetWrappedSOL,
		Amount:         1500,
		Direction:      TransferIn,
		IdempotencyKey: "deposit-7",
	})

	require.NoError(t, err)
	assert.Equal(t, "tr-9", receipt.ID)
	assert.Equal(t, "settled", receipt.Status)
}

func TestTransferClient_RejectsZeroAmount(t *testing.T) {
	client := NewTransferClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	_, err := client.Transfer(context.Background(), TransferRequest{Owner: owner, Direction: TransferOut})
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestTransferClient_NetworkFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewTransferClient(ClientConfig{BaseURL: url, RetryAttempts: 2})
	fast(client.client)

	_, err := client.Transfer(context.Background(), TransferRequest{Owner: owner, AssetID: types.AssetWrappedSOL, Amount: 1, Direction: TransferOut})
	assert.ErrorIs(t, err, apperrors.ErrTransferFailed)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestCustodianClient_Balances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/vaults/"+owner+"/balances", r.URL.Path)
		_, _ = w.Write([]byte(`{"owner":"` + owner + `","balances":[` +
			`{"assetId":"So11111111111111111111111111111111111111112","amount":"6000000"},` +
			`{"assetId":"4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU","amount":"18446744073709551615"}]}`))
	}))
	defer server.Close()

	client := NewCustodianClient(ClientConfig{BaseURL: server.URL})

	balances, err := client.Balances(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, []models.AssetBalance{
		{AssetID: types.AssetWrappedSOL, Amount: 6_000_000},
		{AssetID: types.AssetDevnetUSDC, Amount: 18446744073709551615},
	}, balances)

	amount, err := client.BalanceOf(context.Background(), owner, types.AssetWrappedSOL)
	require.NoError(t, err)
	assert.Equal(t, uint64(6_000_000), amount)

	amount, err = client.BalanceOf(context.Background(), owner, "missing")
	require.NoError(t, err)
	assert.Zero(t, amount)
}

func TestCustodianClient_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCustodianClient(ClientConfig{BaseURL: server.URL}).Balances(ctx, owner)
	assert.ErrorIs(t, err, context.Canceled)
}

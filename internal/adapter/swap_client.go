package adapter

import (
	"context"
	"net/http"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/types"
)

// SwapClient submits rebalance swaps to the swap execution service
type SwapClient struct {
	client *jsonClient
}

// NewSwapClient creates a new swap execution client
func NewSwapClient(cfg ClientConfig) *SwapClient {
	return &SwapClient{
		client: newJSONClient("swap", cfg, func(op string, err error) error {
			return apperrors.NewSwapExecutionError(err)
		}),
	}
}

type swapOrder struct {
	Side      types.SwapSide `json:"side"`
	FromAsset types.AssetID  `json:"fromAsset"`
	ToAsset   types.AssetID  `json:"toAsset"`
	Amount    uint64         `json:"amount,string"`
}

type swapBatch struct {
	Owner       string            `json:"owner"`
	SlippageBps types.BasisPoints `json:"slippageBps"`
	Swaps       []swapOrder       `json:"swaps"`
}

// ExecuteSwaps submits the batch. An empty batch is not sent.
func (c *SwapClient) ExecuteSwaps(ctx context.Context, req SwapRequest) (*SwapExecution, error) {
	if len(req.Swaps) == 0 {
		return &SwapExecution{Status: "skipped"}, nil
	}

	batch := swapBatch{
		Owner:       req.Owner,
		SlippageBps: req.SlippageBps,
		Swaps:       make([]swapOrder, len(req.Swaps)),
	}
	for i, s := range req.Swaps {
		batch.Swaps[i] = swapOrder{Side: s.Side, FromAsset: s.FromAsset, ToAsset: s.ToAsset, Amount: s.Amount}
	}

	var execution SwapExecution
	if err := c.client.call(ctx, "execute", http.MethodPost, "/v1/swaps", req.IdempotencyKey, batch, &execution); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner":       req.Owner,
		"swaps":       len(req.Swaps),
		"executionId": execution.ID,
		"status":      execution.Status,
	}).Info("Swap batch accepted")

	return &execution, nil
}

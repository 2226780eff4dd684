package adapter

import (
	"context"
	"net/http"
	"net/url"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

func transferError(op string, err error) error {
	return apperrors.NewTransferError(op, err)
}

// TransferClient asks the custody service to move value
type TransferClient struct {
	client *jsonClient
}

// NewTransferClient creates a new transfer client
func NewTransferClient(cfg ClientConfig) *TransferClient {
	return &TransferClient{
		client: newJSONClient("transfer", cfg, transferError),
	}
}

// Transfer submits one transfer and waits for the service to accept it
func (c *TransferClient) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if req.Amount == 0 {
		return nil, apperrors.NewInvalidAmountError("transfer amount must be greater than zero")
	}

	var receipt TransferReceipt
	if err := c.client.call(ctx, string(req.Direction), http.MethodPost, "/v1/transfers", req.IdempotencyKey, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// CustodianClient reads vault balances from the custody service
type CustodianClient struct {
	client *jsonClient
}

// NewCustodianClient creates a new custodian balance client
func NewCustodianClient(cfg ClientConfig) *CustodianClient {
	return &CustodianClient{
		client: newJSONClient("custodian", cfg, transferError),
	}
}

type vaultBalance struct {
	AssetID types.AssetID `json:"assetId"`
	Amount  uint64        `json:"amount,string"`
}

type vaultBalances struct {
	Owner    string         `json:"owner"`
	Balances []vaultBalance `json:"balances"`
}

// Balances returns every custodied balance for owner
func (c *CustodianClient) Balances(ctx context.Context, owner string) ([]models.AssetBalance, error) {
	var resp vaultBalances
	path := "/v1/vaults/" + url.PathEscape(owner) + "/balances"
	if err := c.client.call(ctx, "balances", http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}

	balances := make([]models.AssetBalance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		balances = append(balances, models.AssetBalance{AssetID: b.AssetID, Amount: b.Amount})
	}
	return balances, nil
}

// BalanceOf returns the custodied balance of one asset
func (c *CustodianClient) BalanceOf(ctx context.Context, owner string, asset types.AssetID) (uint64, error) {
	balances, err := c.Balances(ctx, owner)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.AssetID == asset {
			return b.Amount, nil
		}
	}
	return 0, nil
}

// Package adapter provides clients for the services that move custodied value
package adapter

import (
	"context"
	"fmt"

	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// SwapExecutor executes the advisory swaps produced by a rebalance
type SwapExecutor interface {
	// ExecuteSwaps submits swaps for owner. The idempotency key makes a retried
	// submission a no-op on the executor side.
	ExecuteSwaps(ctx context.Context, req SwapRequest) (*SwapExecution, error)
}

// TransferExecutor moves value into and out of an owner's vault
type TransferExecutor interface {
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)
}

// BalanceSource reports custodied balances
type BalanceSource interface {
	// Balances returns the custodied balance of every asset held for owner
	Balances(ctx context.Context, owner string) ([]models.AssetBalance, error)

	// BalanceOf returns the custodied balance of one asset, 0 if none is held
	BalanceOf(ctx context.Context, owner string, asset types.AssetID) (uint64, error)
}

// SwapRequest is one batch of swaps for a single portfolio
type SwapRequest struct {
	Owner          string
	Swaps          []models.SwapOperation
	SlippageBps    types.BasisPoints
	IdempotencyKey string
}

// SwapExecution is the executor's acknowledgement of a batch
type SwapExecution struct {
	ID     string `json:"executionId"`
	Status string `json:"status"`
}

// TransferDirection is the direction of a transfer relative to the vault
type TransferDirection string

const (
	// TransferIn moves value into the vault
	TransferIn TransferDirection = "deposit"
	// TransferOut moves value out of the vault to the owner
	TransferOut TransferDirection = "withdraw"
)

// TransferRequest moves amount of one asset
type TransferRequest struct {
	Owner          string            `json:"owner"`
	AssetID        types.AssetID     `json:"assetId"`
	Amount         uint64            `json:"amount,string"`
	Direction      TransferDirection `json:"direction"`
	IdempotencyKey string            `json:"-"`
}

// TransferReceipt is the transfer service's acknowledgement
type TransferReceipt struct {
	ID     string `json:"transferId"`
	Status string `json:"status"`
}

// CollaboratorError wraps a failed call with the service and operation
type CollaboratorError struct {
	Service string
	Op      string
	Err     error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error {
	return e.Err
}

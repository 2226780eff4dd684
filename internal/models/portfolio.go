package models

import (
	"time"

	"github.com/portfolio-rebalancer/internal/types"
)

// AllocationEntry is one asset position inside a portfolio
type AllocationEntry struct {
	AssetID          types.AssetID     `json:"assetId"`
	Symbol           string            `json:"symbol"`
	CurrentAmount    uint64            `json:"currentAmount"`
	TargetPercentage types.BasisPoints `json:"targetPercentage"`
	APY              types.BasisPoints `json:"apy"`
	LastYieldUpdate  int64             `json:"lastYieldUpdate"` // Unix seconds
}

// PerformanceSnapshot records portfolio value at a point in time
type PerformanceSnapshot struct {
	Timestamp  int64  `json:"timestamp"` // Unix seconds
	TotalValue uint64 `json:"totalValue"`
	GrowthRate int32  `json:"growthRate"` // Signed basis points in [-10000, 10000]
}

// Portfolio is the persisted form of one owner's ledger.
// Allocations keep insertion order; History is chronological (oldest first).
type Portfolio struct {
	Owner         string                `json:"owner" db:"owner"`
	TotalValue    uint64                `json:"totalValue" db:"total_value"`
	Allocations   []AllocationEntry     `json:"allocations" db:"allocations"`
	History       []PerformanceSnapshot `json:"history" db:"history"`
	LastRebalance int64                 `json:"lastRebalance" db:"last_rebalance"`
	IsRebalancing bool                  `json:"isRebalancing" db:"is_rebalancing"`
	CreatedAt     int64                 `json:"createdAt" db:"created_at"`
	UpdatedAt     int64                 `json:"updatedAt" db:"updated_at"`
	Version       int64                 `json:"version" db:"version"` // Optimistic concurrency counter
}

// AllocationTarget is a requested target weight for one asset
type AllocationTarget struct {
	AssetID          types.AssetID     `json:"assetId"`
	TargetPercentage types.BasisPoints `json:"targetPercentage"`
}

// InitialAllocation describes an allocation supplied at initialize time
type InitialAllocation struct {
	AssetID          types.AssetID     `json:"assetId"`
	Symbol           string            `json:"symbol"`
	TargetPercentage types.BasisPoints `json:"targetPercentage"`
}

// SwapOperation is an advisory swap against the base asset
type SwapOperation struct {
	Side      types.SwapSide `json:"side"`
	FromAsset types.AssetID  `json:"fromAsset"`
	ToAsset   types.AssetID  `json:"toAsset"`
	Amount    uint64         `json:"amount"`
}

// YieldUpdate sets the APY of the allocation with the given symbol
type YieldUpdate struct {
	Symbol string            `json:"symbol"`
	APY    types.BasisPoints `json:"apy"`
}

// AssetBalance is a custodied balance reported by the custodian
type AssetBalance struct {
	AssetID types.AssetID `json:"assetId"`
	Amount  uint64        `json:"amount"`
}

// ArchivedSnapshot is a performance snapshot kept in the analytics store beyond the in-record ring
type ArchivedSnapshot struct {
	Owner      string    `json:"owner" ch:"owner"`
	Operation  string    `json:"operation" ch:"operation"`
	Timestamp  time.Time `json:"timestamp" ch:"timestamp"`
	TotalValue uint64    `json:"totalValue" ch:"total_value"`
	GrowthRate int32     `json:"growthRate" ch:"growth_rate"`
}

// RebalanceEvent records a completed rebalance and the swaps handed to the executor
type RebalanceEvent struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	ExecutedAt  time.Time       `json:"executedAt"`
	TotalValue  uint64          `json:"totalValue"`
	SlippageBps uint32          `json:"slippageBps"`
	Reason      string          `json:"reason"`
	Swaps       []SwapOperation `json:"swaps"`
}

// DriftAlert records a portfolio found outside its own targets by the drift monitor
type DriftAlert struct {
	Owner      string        `json:"owner"`
	AssetID    types.AssetID `json:"assetId"`
	DriftBps   uint32        `json:"driftBps"`
	TotalValue uint64        `json:"totalValue"`
	DetectedAt time.Time     `json:"detectedAt"`
}

// Package types provides common type definitions for the portfolio rebalancer system
package types

// AssetID identifies an asset (a mint-equivalent key). It is opaque to the ledger.
type AssetID string

// BasisPoints is a fixed-point fraction where 10000 equals 100%
type BasisPoints uint32

// Ledger limits
const (
	// MaxAllocations is the capacity of a portfolio's allocation list
	MaxAllocations = 10
	// MaxSnapshots is the capacity of a portfolio's performance history ring
	MaxSnapshots = 100
	// MaxBasisPoints is 100%
	MaxBasisPoints BasisPoints = 10000
	// MaxAPY is the highest accepted yield (1000%)
	MaxAPY BasisPoints = 100000
	// DriftThreshold is the drift above which a rebalance is warranted (5%)
	DriftThreshold BasisPoints = 500
	// RebalanceCooldownSeconds is the minimum spacing between completed rebalances
	RebalanceCooldownSeconds int64 = 86400
	// MaxSymbolLength bounds allocation symbols
	MaxSymbolLength = 32
	// MaxAssetIDLength bounds asset identifiers
	MaxAssetIDLength = 64
	// MaxYieldUpdates bounds a single yield update batch
	MaxYieldUpdates = 20
	// DefaultSlippageBps is used when a rebalance carries no slippage hint
	DefaultSlippageBps BasisPoints = 50
)

// Well-known asset identifiers
const (
	// AssetWrappedSOL is the wrapped native SOL mint
	AssetWrappedSOL AssetID = "So11111111111111111111111111111111111111112"
	// AssetDevnetUSDC is the devnet USDC mint
	AssetDevnetUSDC AssetID = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
)

// SwapSide is the direction of a swap relative to the base asset
type SwapSide string

const (
	// SwapBuy acquires an asset using the base asset
	SwapBuy SwapSide = "buy"
	// SwapSell converts an asset into the base asset
	SwapSell SwapSide = "sell"
)

// CreationPolicy decides what a rebalance does with targets that have no allocation entry
type CreationPolicy string

const (
	// PolicyCreate creates an entry for an unmatched target
	PolicyCreate CreationPolicy = "create"
	// PolicyIgnore drops unmatched targets before planning
	PolicyIgnore CreationPolicy = "ignore"
)

// Valid reports whether the policy is a known value
func (p CreationPolicy) Valid() bool {
	return p == PolicyCreate || p == PolicyIgnore
}

// AuthMode selects how callers prove their identity
type AuthMode string

const (
	// AuthSignature requires an EIP-191 signature from the owner address
	AuthSignature AuthMode = "signature"
	// AuthHeader trusts the X-User-ID header (local development only)
	AuthHeader AuthMode = "header"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

package ledger

import (
	"fmt"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

// ValidateAmount rejects zero amounts
func ValidateAmount(amount uint64) error {
	if amount == 0 {
		return apperrors.NewInvalidAmountError("amount must be greater than zero")
	}
	return nil
}

// ValidateSymbol requires 1..32 bytes
func ValidateSymbol(symbol string) error {
	if len(symbol) == 0 || len(symbol) > types.MaxSymbolLength {
		return apperrors.NewInvalidTokenMintError(
			fmt.Sprintf("symbol must be 1..%d characters", types.MaxSymbolLength), symbol)
	}
	return nil
}

// ValidateAssetID requires a non-empty identifier of bounded length
func ValidateAssetID(id types.AssetID) error {
	if len(id) == 0 || len(id) > types.MaxAssetIDLength {
		return apperrors.NewInvalidTokenMintError(
			fmt.Sprintf("asset id must be 1..%d characters", types.MaxAssetIDLength), string(id))
	}
	return nil
}

// ValidatePercentage bounds a single target to 100%
func ValidatePercentage(pct types.BasisPoints) error {
	if pct > types.MaxBasisPoints {
		return apperrors.NewInvalidAllocationPercentageError(pct)
	}
	return nil
}

// ValidateTargetSum bounds the sum of all targets to 100%
func ValidateTargetSum(sum uint64) error {
	if sum > uint64(types.MaxBasisPoints) {
		return apperrors.NewAllocationOverflowError(
			fmt.Sprintf("target percentages sum to %d, maximum is %d", sum, types.MaxBasisPoints))
	}
	return nil
}

// ValidateAPY bounds yields to 1000%
func ValidateAPY(symbol string, apy types.BasisPoints) error {
	if apy > types.MaxAPY {
		return apperrors.NewInvalidAPYError(symbol, apy)
	}
	return nil
}

// ValidateNotRebalancing is the reentrancy guard
func ValidateNotRebalancing(isRebalancing bool) error {
	if isRebalancing {
		return apperrors.NewRebalanceInProgressError()
	}
	return nil
}

// ValidateCadence enforces the minimum spacing between rebalances, and between
// creation and the first rebalance
func ValidateCadence(lastRebalance, now int64) error {
	elapsed := now - lastRebalance
	if elapsed < types.RebalanceCooldownSeconds {
		return apperrors.NewRebalanceTooFrequentError(elapsed, types.RebalanceCooldownSeconds)
	}
	return nil
}

// ValidateSlippage bounds a slippage hint to 100%
func ValidateSlippage(bps types.BasisPoints) error {
	if bps > types.MaxBasisPoints {
		return apperrors.NewInvalidAmountError(
			fmt.Sprintf("slippage %d exceeds %d basis points", bps, types.MaxBasisPoints))
	}
	return nil
}

// validateKey accepts either a symbol or an asset id
func validateKey(key string) error {
	if ValidateSymbol(key) == nil {
		return nil
	}
	return ValidateAssetID(types.AssetID(key))
}

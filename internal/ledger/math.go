package ledger

import (
	gethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/holiman/uint256"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/types"
)

var bpsDenominator = uint256.NewInt(uint64(types.MaxBasisPoints))

// mulDiv returns a*b/d computed in 256 bits, failing if the quotient does not fit 64 bits
func mulDiv(a, b, d uint64, operation string) (uint64, error) {
	if d == 0 {
		return 0, apperrors.NewMathOverflowError(operation + ": division by zero")
	}
	q := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q.Div(q, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, apperrors.NewMathOverflowError(operation)
	}
	return q.Uint64(), nil
}

// targetAmount is total * pct / 10000
func targetAmount(total uint64, pct types.BasisPoints) (uint64, error) {
	return mulDiv(total, uint64(pct), uint64(types.MaxBasisPoints), "target amount")
}

// currentBps is amount * 10000 / total, saturating at MaxUint64.
// Only used for drift comparison, where any saturated value already exceeds every threshold.
func currentBps(amount, total uint64) uint64 {
	q := new(uint256.Int).Mul(uint256.NewInt(amount), bpsDenominator)
	q.Div(q, uint256.NewInt(total))
	if !q.IsUint64() {
		return ^uint64(0)
	}
	return q.Uint64()
}

// growthRate is (cur - prev) * 10000 / prev truncated toward zero and clamped to ±10000
func growthRate(prev, cur uint64) int32 {
	if prev == 0 {
		return 0
	}

	negative := cur < prev
	var diff uint64
	if negative {
		diff = prev - cur
	} else {
		diff = cur - prev
	}

	q := new(uint256.Int).Mul(uint256.NewInt(diff), bpsDenominator)
	q.Div(q, uint256.NewInt(prev))

	limit := uint64(types.MaxBasisPoints)
	magnitude := limit
	if !q.GtUint64(limit) {
		magnitude = q.Uint64()
	}

	rate := int32(magnitude) // #nosec G115 - magnitude <= 10000
	if negative {
		rate = -rate
	}
	return rate
}

func checkedAdd(a, b uint64, operation string) (uint64, error) {
	sum, overflow := gethmath.SafeAdd(a, b)
	if overflow {
		return 0, apperrors.NewMathOverflowError(operation)
	}
	return sum, nil
}

func checkedSub(a, b uint64, operation string) (uint64, error) {
	diff, overflow := gethmath.SafeSub(a, b)
	if overflow {
		return 0, apperrors.NewMathOverflowError(operation)
	}
	return diff, nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

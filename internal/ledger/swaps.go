package ledger

import (
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// PlanSwaps lists the swaps that move current allocations to targets, in target order.
// Surpluses are sold into base, shortfalls bought from base. It never mutates its inputs
// and never emits a zero amount or a swap of the base asset into itself.
func PlanSwaps(current []models.AllocationEntry, targets []models.AllocationTarget, totalValue uint64, base types.AssetID) ([]models.SwapOperation, error) {
	ops := make([]models.SwapOperation, 0, len(targets))

	for _, t := range targets {
		if t.AssetID == base {
			continue
		}

		want, err := targetAmount(totalValue, t.TargetPercentage)
		if err != nil {
			return nil, err
		}

		entry, ok := findEntry(current, t.AssetID)
		if !ok {
			if t.TargetPercentage > 0 && want > 0 {
				ops = append(ops, buy(base, t.AssetID, want))
			}
			continue
		}

		switch {
		case entry.CurrentAmount > want:
			ops = append(ops, models.SwapOperation{
				Side:      types.SwapSell,
				FromAsset: t.AssetID,
				ToAsset:   base,
				Amount:    entry.CurrentAmount - want,
			})
		case entry.CurrentAmount < want:
			ops = append(ops, buy(base, t.AssetID, want-entry.CurrentAmount))
		}
	}

	return ops, nil
}

func buy(base, asset types.AssetID, amount uint64) models.SwapOperation {
	return models.SwapOperation{
		Side:      types.SwapBuy,
		FromAsset: base,
		ToAsset:   asset,
		Amount:    amount,
	}
}

package ledger

import (
	"fmt"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// Drift describes how far one target is from its current weight
type Drift struct {
	AssetID    types.AssetID     `json:"assetId"`
	CurrentBps uint64            `json:"currentBps"`
	TargetBps  types.BasisPoints `json:"targetBps"`
	DriftBps   uint64            `json:"driftBps"`
	Matched    bool              `json:"matched"` // false when no allocation entry exists yet
}

func (d Drift) String() string {
	if d.AssetID == "" {
		return "within threshold"
	}
	if !d.Matched {
		return fmt.Sprintf("new position %s targets %d bps", d.AssetID, d.TargetBps)
	}
	return fmt.Sprintf("%s at %d bps, target %d bps, drift %d bps", d.AssetID, d.CurrentBps, d.TargetBps, d.DriftBps)
}

func findEntry(entries []models.AllocationEntry, asset types.AssetID) (models.AllocationEntry, bool) {
	for _, e := range entries {
		if e.AssetID == asset {
			return e, true
		}
	}
	return models.AllocationEntry{}, false
}

// NeedsRebalance reports whether any target drifts more than DriftThreshold from its current weight.
// Targets are scanned in caller order and the first drifting target is returned.
func NeedsRebalance(current []models.AllocationEntry, targets []models.AllocationTarget, totalValue uint64) (bool, Drift) {
	if totalValue == 0 {
		return false, Drift{}
	}

	threshold := uint64(types.DriftThreshold)
	for _, t := range targets {
		entry, ok := findEntry(current, t.AssetID)
		if !ok {
			if t.TargetPercentage > types.DriftThreshold {
				return true, Drift{
					AssetID:   t.AssetID,
					TargetBps: t.TargetPercentage,
					DriftBps:  uint64(t.TargetPercentage),
				}
			}
			continue
		}

		pct := currentBps(entry.CurrentAmount, totalValue)
		diff := absDiff(pct, uint64(t.TargetPercentage))
		if diff > threshold {
			return true, Drift{
				AssetID:    t.AssetID,
				CurrentBps: pct,
				TargetBps:  t.TargetPercentage,
				DriftBps:   diff,
				Matched:    true,
			}
		}
	}

	return false, Drift{}
}

// planRebalance sets each targeted entry to its share of totalValue and settles the remainder on the base asset
func (p *Portfolio) planRebalance(targets []models.AllocationTarget, totalValue uint64, now int64) error {
	for _, t := range targets {
		amount, err := targetAmount(totalValue, t.TargetPercentage)
		if err != nil {
			return err
		}

		idx := p.indexOf(t.AssetID)
		if idx < 0 {
			if p.opts.CreationPolicy != types.PolicyCreate {
				continue
			}
			idx, err = p.addEntry(t.AssetID, p.opts.symbolFor(t.AssetID), t.TargetPercentage, now)
			if err != nil {
				return err
			}
		}

		p.allocations[idx].CurrentAmount = amount
		p.allocations[idx].TargetPercentage = t.TargetPercentage
	}

	return p.settleBase(totalValue, now)
}

// settleBase assigns totalValue minus every non-base amount to the base asset entry.
// The entry is created only when there is something to hold.
func (p *Portfolio) settleBase(totalValue uint64, now int64) error {
	base := p.opts.BaseAsset
	baseIdx := p.indexOf(base)

	var others uint64
	var err error
	for i := 0; i < p.allocCount; i++ {
		if i == baseIdx {
			continue
		}
		others, err = checkedAdd(others, p.allocations[i].CurrentAmount, "rebalance allocation sum")
		if err != nil {
			return err
		}
	}

	// Untargeted holdings keep their amounts, so the targets must fit in what is left
	if others > totalValue {
		return apperrors.NewAllocationOverflowError(fmt.Sprintf(
			"targets plus untargeted holdings need %d but total value is %d; include every held asset in the targets",
			others, totalValue))
	}
	residual := totalValue - others

	if baseIdx < 0 {
		if residual == 0 {
			return nil
		}
		baseIdx, err = p.addEntry(base, p.opts.symbolFor(base), 0, now)
		if err != nil {
			return err
		}
	}

	p.allocations[baseIdx].CurrentAmount = residual
	return nil
}

package ledger

import (
	"fmt"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

func (p *Portfolio) entries() []models.AllocationEntry {
	return p.allocations[:p.allocCount]
}

func (p *Portfolio) indexOf(asset types.AssetID) int {
	for i := 0; i < p.allocCount; i++ {
		if p.allocations[i].AssetID == asset {
			return i
		}
	}
	return -1
}

func (p *Portfolio) indexOfSymbol(symbol string) int {
	for i := 0; i < p.allocCount; i++ {
		if p.allocations[i].Symbol == symbol {
			return i
		}
	}
	return -1
}

// addEntry appends a zero-amount entry
func (p *Portfolio) addEntry(asset types.AssetID, symbol string, pct types.BasisPoints, now int64) (int, error) {
	if p.allocCount >= types.MaxAllocations {
		return -1, apperrors.NewAllocationOverflowError(
			fmt.Sprintf("portfolio already holds the maximum of %d allocations", types.MaxAllocations))
	}

	idx := p.allocCount
	p.allocations[idx] = models.AllocationEntry{
		AssetID:          asset,
		Symbol:           symbol,
		TargetPercentage: pct,
		LastYieldUpdate:  now,
	}
	p.allocCount++
	return idx, nil
}

// addOrUpdate creates or overwrites the entry for asset, rolling back if the target sum would exceed 100%
func (p *Portfolio) addOrUpdate(asset types.AssetID, symbol string, pct types.BasisPoints, now int64) error {
	idx := p.indexOf(asset)

	if idx >= 0 {
		previous := p.allocations[idx]
		p.allocations[idx].Symbol = symbol
		p.allocations[idx].TargetPercentage = pct
		p.allocations[idx].LastYieldUpdate = now

		if err := ValidateTargetSum(p.sumTargets()); err != nil {
			p.allocations[idx] = previous
			return err
		}
		return nil
	}

	idx, err := p.addEntry(asset, symbol, pct, now)
	if err != nil {
		return err
	}

	if err := ValidateTargetSum(p.sumTargets()); err != nil {
		p.allocations[idx] = models.AllocationEntry{}
		p.allocCount--
		return err
	}
	return nil
}

// applyDelta credits or debits asset and total_value by amount
func (p *Portfolio) applyDelta(asset types.AssetID, amount uint64, debit bool) error {
	idx := p.indexOf(asset)
	if idx < 0 {
		return apperrors.NewInvalidTokenMintError("no allocation for asset", string(asset))
	}

	entry := &p.allocations[idx]
	if debit {
		if entry.CurrentAmount < amount {
			return apperrors.NewInsufficientBalanceError(entry.Symbol, entry.CurrentAmount, amount)
		}
		total, err := checkedSub(p.totalValue, amount, "total value debit")
		if err != nil {
			return err
		}
		entry.CurrentAmount -= amount
		p.totalValue = total
		return nil
	}

	current, err := checkedAdd(entry.CurrentAmount, amount, "allocation credit")
	if err != nil {
		return err
	}
	total, err := checkedAdd(p.totalValue, amount, "total value credit")
	if err != nil {
		return err
	}
	entry.CurrentAmount = current
	p.totalValue = total
	return nil
}

// AmountOf returns the recorded amount for an asset id or symbol, 0 if absent
func (p *Portfolio) AmountOf(key string) uint64 {
	if e, ok := p.Entry(key); ok {
		return e.CurrentAmount
	}
	return 0
}

// Entry finds the allocation for an asset id or symbol
func (p *Portfolio) Entry(key string) (models.AllocationEntry, bool) {
	if idx := p.lookup(key); idx >= 0 {
		return p.allocations[idx], true
	}
	return models.AllocationEntry{}, false
}

func (p *Portfolio) sumTargets() uint64 {
	var sum uint64
	for i := 0; i < p.allocCount; i++ {
		sum += uint64(p.allocations[i].TargetPercentage)
	}
	return sum
}

func (p *Portfolio) sumAmounts() (uint64, error) {
	var sum uint64
	var err error
	for i := 0; i < p.allocCount; i++ {
		sum, err = checkedAdd(sum, p.allocations[i].CurrentAmount, "allocation sum")
		if err != nil {
			return 0, err
		}
	}
	return sum, nil
}

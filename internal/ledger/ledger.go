// Package ledger implements the portfolio accounting and rebalancing core.
//
// A Portfolio is a value type built on fixed-capacity arrays. Every mutating
// operation works on a copy and commits by assignment only after all checks
// pass, so a failed call never leaves a partial change behind.
package ledger

import (
	"fmt"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// Options fixes the choices that differ between deployments
type Options struct {
	BaseAsset          types.AssetID
	BaseSymbol         string
	CreationPolicy     types.CreationPolicy
	DefaultSlippageBps types.BasisPoints
	Symbols            map[types.AssetID]string // symbols for implicitly created entries
}

// DefaultOptions prices in wrapped SOL and creates entries for unmatched targets
func DefaultOptions() Options {
	return Options{
		BaseAsset:          types.AssetWrappedSOL,
		BaseSymbol:         "SOL",
		CreationPolicy:     types.PolicyCreate,
		DefaultSlippageBps: types.DefaultSlippageBps,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BaseAsset == "" {
		o.BaseAsset = d.BaseAsset
		if o.BaseSymbol == "" {
			o.BaseSymbol = d.BaseSymbol
		}
	}
	if !o.CreationPolicy.Valid() {
		o.CreationPolicy = d.CreationPolicy
	}
	if o.DefaultSlippageBps == 0 {
		o.DefaultSlippageBps = d.DefaultSlippageBps
	}
	return o
}

func (o Options) symbolFor(asset types.AssetID) string {
	if sym, ok := o.Symbols[asset]; ok && sym != "" {
		return sym
	}
	if asset == o.BaseAsset && o.BaseSymbol != "" {
		return o.BaseSymbol
	}
	short := string(asset)
	if len(short) > 8 {
		short = short[:8]
	}
	return "TOKEN-" + short
}

// Portfolio is one owner's ledger
type Portfolio struct {
	owner         string
	totalValue    uint64
	allocations   [types.MaxAllocations]models.AllocationEntry
	allocCount    int
	history       history
	lastRebalance int64
	isRebalancing bool
	createdAt     int64
	updatedAt     int64
	version       int64

	opts Options
}

// Initialize creates a portfolio with zeroed amounts and an empty history
func Initialize(owner string, initial []models.InitialAllocation, now int64, opts Options) (*Portfolio, error) {
	if owner == "" {
		return nil, apperrors.NewInvalidParameterError("owner", "owner is required")
	}
	if len(initial) > types.MaxAllocations {
		return nil, apperrors.NewAllocationOverflowError(
			fmt.Sprintf("%d initial allocations exceed the maximum of %d", len(initial), types.MaxAllocations))
	}

	// The cool-down runs from creation
	p := &Portfolio{
		owner:         owner,
		lastRebalance: now,
		createdAt:     now,
		updatedAt:     now,
		opts:          opts.withDefaults(),
	}

	var sum uint64
	for _, a := range initial {
		if err := ValidateAssetID(a.AssetID); err != nil {
			return nil, err
		}
		if err := ValidateSymbol(a.Symbol); err != nil {
			return nil, err
		}
		if err := ValidatePercentage(a.TargetPercentage); err != nil {
			return nil, err
		}
		if p.indexOf(a.AssetID) >= 0 {
			return nil, apperrors.NewInvalidTokenMintError("duplicate asset", string(a.AssetID))
		}
		sum += uint64(a.TargetPercentage)
		if _, err := p.addEntry(a.AssetID, a.Symbol, a.TargetPercentage, now); err != nil {
			return nil, err
		}
	}
	if err := ValidateTargetSum(sum); err != nil {
		return nil, err
	}

	return p, nil
}

// Restore rebuilds a portfolio from its persisted record, rejecting records that break the bounds
func Restore(rec *models.Portfolio, opts Options) (*Portfolio, error) {
	if rec == nil || rec.Owner == "" {
		return nil, apperrors.NewLedgerInvariantError("record has no owner")
	}
	if len(rec.Allocations) > types.MaxAllocations {
		return nil, apperrors.NewLedgerInvariantError(
			fmt.Sprintf("record holds %d allocations, maximum is %d", len(rec.Allocations), types.MaxAllocations))
	}
	if len(rec.History) > types.MaxSnapshots {
		return nil, apperrors.NewLedgerInvariantError(
			fmt.Sprintf("record holds %d snapshots, maximum is %d", len(rec.History), types.MaxSnapshots))
	}

	p := &Portfolio{
		owner:         rec.Owner,
		totalValue:    rec.TotalValue,
		lastRebalance: rec.LastRebalance,
		isRebalancing: rec.IsRebalancing,
		createdAt:     rec.CreatedAt,
		updatedAt:     rec.UpdatedAt,
		version:       rec.Version,
		opts:          opts.withDefaults(),
	}

	for _, e := range rec.Allocations {
		if ValidateAssetID(e.AssetID) != nil || e.TargetPercentage > types.MaxBasisPoints {
			return nil, apperrors.NewLedgerInvariantError(fmt.Sprintf("malformed allocation %q", e.AssetID))
		}
		if p.indexOf(e.AssetID) >= 0 {
			return nil, apperrors.NewLedgerInvariantError(fmt.Sprintf("duplicate allocation %q", e.AssetID))
		}
		p.allocations[p.allocCount] = e
		p.allocCount++
	}
	for _, s := range rec.History {
		p.history.push(s)
	}

	if err := p.checkInvariants(); err != nil {
		return nil, err
	}
	return p, nil
}

// Record returns the persisted form of the portfolio
func (p *Portfolio) Record() *models.Portfolio {
	return &models.Portfolio{
		Owner:         p.owner,
		TotalValue:    p.totalValue,
		Allocations:   p.Allocations(),
		History:       p.history.snapshots(),
		LastRebalance: p.lastRebalance,
		IsRebalancing: p.isRebalancing,
		CreatedAt:     p.createdAt,
		UpdatedAt:     p.updatedAt,
		Version:       p.version,
	}
}

func (p *Portfolio) Owner() string { return p.owner }
func (p *Portfolio) TotalValue() uint64 { return p.totalValue }
func (p *Portfolio) LastRebalance() int64 { return p.lastRebalance }
func (p *Portfolio) IsRebalancing() bool { return p.isRebalancing }
func (p *Portfolio) CreatedAt() int64 { return p.createdAt }
func (p *Portfolio) UpdatedAt() int64 { return p.updatedAt }
func (p *Portfolio) Version() int64 { return p.version }
func (p *Portfolio) BaseAsset() types.AssetID { return p.opts.BaseAsset }

// Allocations returns a copy of the entries in insertion order
func (p *Portfolio) Allocations() []models.AllocationEntry {
	out := make([]models.AllocationEntry, p.allocCount)
	copy(out, p.entries())
	return out
}

// History returns the snapshots oldest first
func (p *Portfolio) History() []models.PerformanceSnapshot {
	return p.history.snapshots()
}

// OwnTargets returns the portfolio's recorded targets as a target list
func (p *Portfolio) OwnTargets() []models.AllocationTarget {
	targets := make([]models.AllocationTarget, 0, p.allocCount)
	for _, e := range p.entries() {
		targets = append(targets, models.AllocationTarget{AssetID: e.AssetID, TargetPercentage: e.TargetPercentage})
	}
	return targets
}

// Authorize checks the verified caller identity against the owner
func (p *Portfolio) Authorize(caller string) error {
	if caller == "" {
		return apperrors.NewUnauthorizedError("caller identity is required")
	}
	if caller != p.owner {
		return apperrors.NewOwnerMismatchError(caller)
	}
	return nil
}

// Deposit credits amount to the base asset entry
func (p *Portfolio) Deposit(amount uint64, now int64) (models.PerformanceSnapshot, error) {
	var snap models.PerformanceSnapshot
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}
		if err := ValidateAmount(amount); err != nil {
			return err
		}

		base := next.opts.BaseAsset
		if next.indexOf(base) < 0 {
			if _, err := next.addEntry(base, next.opts.symbolFor(base), 0, now); err != nil {
				return err
			}
		}
		if err := next.applyDelta(base, amount, false); err != nil {
			return err
		}

		snap = next.history.appendSnapshot(next.totalValue, now)
		next.touch(now)
		return nil
	})
	return snap, err
}

// AddOrUpdateAllocation sets the symbol and target of an asset, creating the entry if needed
func (p *Portfolio) AddOrUpdateAllocation(asset types.AssetID, symbol string, pct types.BasisPoints, now int64) (models.AllocationEntry, error) {
	var entry models.AllocationEntry
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}
		if err := ValidateAssetID(asset); err != nil {
			return err
		}
		if err := ValidateSymbol(symbol); err != nil {
			return err
		}
		if err := ValidatePercentage(pct); err != nil {
			return err
		}
		if err := next.addOrUpdate(asset, symbol, pct, now); err != nil {
			return err
		}

		entry = next.allocations[next.indexOf(asset)]
		next.touch(now)
		return nil
	})
	return entry, err
}

// Invest credits amount to the entry named by symbol (or asset id)
func (p *Portfolio) Invest(symbol string, amount uint64, now int64) (models.PerformanceSnapshot, error) {
	var snap models.PerformanceSnapshot
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}
		if err := ValidateAmount(amount); err != nil {
			return err
		}
		if err := validateKey(symbol); err != nil {
			return err
		}

		idx := next.lookup(symbol)
		if idx < 0 {
			return apperrors.NewInvalidTokenMintError("no allocation for symbol", symbol)
		}
		if err := next.applyDelta(next.allocations[idx].AssetID, amount, false); err != nil {
			return err
		}

		snap = next.history.appendSnapshot(next.totalValue, now)
		next.touch(now)
		return nil
	})
	return snap, err
}

// Withdraw debits amount from the entry named by symbol. backing is the custodied balance
// for that asset and must also cover the amount.
func (p *Portfolio) Withdraw(symbol string, amount, backing uint64, now int64) (models.PerformanceSnapshot, error) {
	var snap models.PerformanceSnapshot
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}
		if err := ValidateAmount(amount); err != nil {
			return err
		}
		if err := validateKey(symbol); err != nil {
			return err
		}

		recorded := next.AmountOf(symbol)
		if recorded < amount {
			return apperrors.NewInsufficientBalanceError(symbol, recorded, amount)
		}
		if backing < amount {
			return apperrors.NewInsufficientBalanceError(symbol, backing, amount)
		}

		idx := next.lookup(symbol)
		if err := next.applyDelta(next.allocations[idx].AssetID, amount, true); err != nil {
			return err
		}

		snap = next.history.appendSnapshot(next.totalValue, now)
		next.touch(now)
		return nil
	})
	return snap, err
}

// UpdateYields sets APY values by symbol. Every update is validated before any is applied.
func (p *Portfolio) UpdateYields(updates []models.YieldUpdate, now int64) (int, error) {
	matched := 0
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}
		if len(updates) == 0 {
			return apperrors.NewInvalidAmountError("at least one yield update is required")
		}
		if len(updates) > types.MaxYieldUpdates {
			return apperrors.NewAllocationOverflowError(
				fmt.Sprintf("%d yield updates exceed the maximum of %d", len(updates), types.MaxYieldUpdates))
		}
		for _, u := range updates {
			if err := ValidateSymbol(u.Symbol); err != nil {
				return err
			}
			if err := ValidateAPY(u.Symbol, u.APY); err != nil {
				return err
			}
		}

		for _, u := range updates {
			idx := next.indexOfSymbol(u.Symbol)
			if idx < 0 {
				continue
			}
			next.allocations[idx].APY = u.APY
			next.allocations[idx].LastYieldUpdate = now
			matched++
		}
		if matched == 0 {
			return apperrors.NewInvalidTokenMintError("no allocation matched any yield update", updates[0].Symbol)
		}

		next.touch(now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return matched, nil
}

// Reconcile replaces recorded amounts with custodied balances. Balances for assets
// without an entry are ignored.
func (p *Portfolio) Reconcile(balances []models.AssetBalance, now int64) (models.PerformanceSnapshot, error) {
	var snap models.PerformanceSnapshot
	err := p.atomically(func(next *Portfolio) error {
		if err := ValidateNotRebalancing(next.isRebalancing); err != nil {
			return err
		}

		seen := make(map[types.AssetID]struct{}, len(balances))
		for _, b := range balances {
			if _, dup := seen[b.AssetID]; dup {
				return apperrors.NewInvalidTokenMintError("duplicate balance", string(b.AssetID))
			}
			seen[b.AssetID] = struct{}{}

			if idx := next.indexOf(b.AssetID); idx >= 0 {
				next.allocations[idx].CurrentAmount = b.Amount
			}
		}

		total, err := next.sumAmounts()
		if err != nil {
			return err
		}
		next.totalValue = total

		snap = next.history.appendSnapshot(next.totalValue, now)
		next.touch(now)
		return nil
	})
	return snap, err
}

// RebalanceRequest carries the inputs of one rebalance
type RebalanceRequest struct {
	Targets     []models.AllocationTarget
	SlippageBps *types.BasisPoints

	// OnPlan receives the planned swaps once every other step has succeeded,
	// just before the rebalance commits. Returning an error fails the rebalance.
	OnPlan func(swaps []models.SwapOperation) error
}

// RebalanceResult is what a committed rebalance produced
type RebalanceResult struct {
	Swaps       []models.SwapOperation     `json:"swaps"`
	SlippageBps types.BasisPoints          `json:"slippageBps"`
	Drift       Drift                      `json:"drift"`
	TotalValue  uint64                     `json:"totalValue"`
	Snapshot    models.PerformanceSnapshot `json:"snapshot"`
}

// Rebalance moves recorded amounts to the requested targets
func (p *Portfolio) Rebalance(req RebalanceRequest, now int64) (*RebalanceResult, error) {
	if err := ValidateNotRebalancing(p.isRebalancing); err != nil {
		return nil, err
	}
	if err := ValidateCadence(p.lastRebalance, now); err != nil {
		return nil, err
	}

	saved := *p
	p.isRebalancing = true

	result, err := p.rebalance(req, now)
	if err != nil {
		*p = saved
		return nil, err
	}

	p.isRebalancing = false
	return result, nil
}

func (p *Portfolio) rebalance(req RebalanceRequest, now int64) (*RebalanceResult, error) {
	slippage := p.opts.DefaultSlippageBps
	if req.SlippageBps != nil {
		slippage = *req.SlippageBps
	}
	if err := ValidateSlippage(slippage); err != nil {
		return nil, err
	}

	targets, err := p.prepareTargets(req.Targets)
	if err != nil {
		return nil, err
	}

	total, err := p.sumAmounts()
	if err != nil {
		return nil, err
	}
	if total != p.totalValue {
		return nil, apperrors.NewLedgerInvariantError(
			fmt.Sprintf("total value %d does not match allocation sum %d", p.totalValue, total))
	}

	needed, drift := NeedsRebalance(p.entries(), targets, total)
	if !needed {
		return nil, apperrors.NewNoRebalanceNeededError()
	}

	swaps, err := PlanSwaps(p.entries(), targets, total, p.opts.BaseAsset)
	if err != nil {
		return nil, err
	}

	if err := p.planRebalance(targets, total, now); err != nil {
		return nil, err
	}
	if err := ValidateTargetSum(p.sumTargets()); err != nil {
		return nil, err
	}

	snap := p.history.appendSnapshot(p.totalValue, now)
	p.lastRebalance = now
	p.touch(now)

	if err := p.checkInvariants(); err != nil {
		return nil, err
	}

	// Nothing after the hook can fail, so executed swaps always match the committed record
	if req.OnPlan != nil {
		if err := req.OnPlan(swaps); err != nil {
			return nil, err
		}
	}

	return &RebalanceResult{
		Swaps:       swaps,
		SlippageBps: slippage,
		Drift:       drift,
		TotalValue:  p.totalValue,
		Snapshot:    snap,
	}, nil
}

// prepareTargets validates a target list and applies the creation policy
func (p *Portfolio) prepareTargets(targets []models.AllocationTarget) ([]models.AllocationTarget, error) {
	if len(targets) > types.MaxAllocations {
		return nil, apperrors.NewAllocationOverflowError(
			fmt.Sprintf("%d targets exceed the maximum of %d", len(targets), types.MaxAllocations))
	}

	seen := make(map[types.AssetID]struct{}, len(targets))
	var sum uint64
	for _, t := range targets {
		if err := ValidateAssetID(t.AssetID); err != nil {
			return nil, err
		}
		if err := ValidatePercentage(t.TargetPercentage); err != nil {
			return nil, err
		}
		if _, dup := seen[t.AssetID]; dup {
			return nil, apperrors.NewInvalidTokenMintError("duplicate target", string(t.AssetID))
		}
		seen[t.AssetID] = struct{}{}
		sum += uint64(t.TargetPercentage)
	}
	if err := ValidateTargetSum(sum); err != nil {
		return nil, err
	}

	if p.opts.CreationPolicy != types.PolicyIgnore {
		return targets, nil
	}
	kept := make([]models.AllocationTarget, 0, len(targets))
	for _, t := range targets {
		if p.indexOf(t.AssetID) >= 0 {
			kept = append(kept, t)
		}
	}
	return kept, nil
}

// Preview is the read-only outcome of a prospective rebalance
type Preview struct {
	NeedsRebalance bool                   `json:"needsRebalance"`
	Drift          Drift                  `json:"drift"`
	Swaps          []models.SwapOperation `json:"swaps"`
	Eligible       bool                   `json:"eligible"`
	NextEligibleAt int64                  `json:"nextEligibleAt,omitempty"`
}

// Preview evaluates targets without changing the portfolio
func (p *Portfolio) Preview(targets []models.AllocationTarget, now int64) (*Preview, error) {
	prepared, err := p.prepareTargets(targets)
	if err != nil {
		return nil, err
	}

	// Reject targets that Rebalance would reject after planning
	trial := *p
	if err := trial.planRebalance(prepared, p.totalValue, now); err != nil {
		return nil, err
	}
	if err := ValidateTargetSum(trial.sumTargets()); err != nil {
		return nil, err
	}

	needed, drift := NeedsRebalance(p.entries(), prepared, p.totalValue)
	swaps, err := PlanSwaps(p.entries(), prepared, p.totalValue, p.opts.BaseAsset)
	if err != nil {
		return nil, err
	}

	out := &Preview{
		NeedsRebalance: needed,
		Drift:          drift,
		Swaps:          swaps,
		Eligible:       !p.isRebalancing,
	}
	if ValidateCadence(p.lastRebalance, now) != nil {
		out.Eligible = false
		out.NextEligibleAt = p.lastRebalance + types.RebalanceCooldownSeconds
	}
	return out, nil
}

// atomically runs fn on a copy and commits it only if fn and the invariant checks succeed
func (p *Portfolio) atomically(fn func(next *Portfolio) error) error {
	next := *p
	if err := fn(&next); err != nil {
		return err
	}
	if err := next.checkInvariants(); err != nil {
		return err
	}
	*p = next
	return nil
}

func (p *Portfolio) checkInvariants() error {
	if p.allocCount < 0 || p.allocCount > types.MaxAllocations {
		return apperrors.NewLedgerInvariantError(fmt.Sprintf("allocation count %d out of bounds", p.allocCount))
	}
	if p.history.len() > types.MaxSnapshots {
		return apperrors.NewLedgerInvariantError(fmt.Sprintf("history length %d out of bounds", p.history.len()))
	}

	sum, err := p.sumAmounts()
	if err != nil {
		return apperrors.NewLedgerInvariantError("allocation sum overflows")
	}
	if sum != p.totalValue {
		return apperrors.NewLedgerInvariantError(
			fmt.Sprintf("total value %d does not match allocation sum %d", p.totalValue, sum))
	}
	if targets := p.sumTargets(); targets > uint64(types.MaxBasisPoints) {
		return apperrors.NewLedgerInvariantError(fmt.Sprintf("target sum %d exceeds %d", targets, types.MaxBasisPoints))
	}
	return nil
}

// touch keeps updated_at monotonic
func (p *Portfolio) touch(now int64) {
	if now > p.updatedAt {
		p.updatedAt = now
	}
}

// lookup finds an entry by asset id first, then by symbol
func (p *Portfolio) lookup(key string) int {
	if idx := p.indexOf(types.AssetID(key)); idx >= 0 {
		return idx
	}
	return p.indexOfSymbol(key)
}

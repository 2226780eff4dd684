package api

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/types"
)

// Amounts are rendered as decimal strings so JSON clients never lose precision
// above 2^53. Basis points are rendered as percentages with two decimals.

var hundred = decimal.NewFromInt(100)

func bpsPercent(bps int64) string {
	return decimal.New(bps, -2).StringFixed(2)
}

func sharePercent(amount, total uint64) string {
	if total == 0 {
		return "0.00"
	}
	return decimal.NewFromUint64(amount).Mul(hundred).Div(decimal.NewFromUint64(total)).StringFixed(2)
}

func formatAmount(amount uint64) string {
	return strconv.FormatUint(amount, 10)
}

// AllocationView is one allocation entry as returned by the API
type AllocationView struct {
	AssetID           types.AssetID `json:"assetId"`
	Symbol            string        `json:"symbol"`
	TargetPercentage  string        `json:"targetPercentage"`
	CurrentPercentage string        `json:"currentPercentage"`
	CurrentAmount     string        `json:"currentAmount"`
	APY               string        `json:"apy"`
	LastYieldUpdate   time.Time     `json:"lastYieldUpdate"`
}

// SnapshotView is one performance snapshot
type SnapshotView struct {
	Timestamp  time.Time `json:"timestamp"`
	TotalValue string    `json:"totalValue"`
	GrowthRate string    `json:"growthRate"`
}

// PortfolioView is the API representation of a portfolio
type PortfolioView struct {
	Owner         string           `json:"owner"`
	TotalValue    string           `json:"totalValue"`
	Allocations   []AllocationView `json:"allocations"`
	History       []SnapshotView   `json:"history"`
	LastRebalance *time.Time       `json:"lastRebalance,omitempty"`
	IsRebalancing bool             `json:"isRebalancing"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
	Version       int64            `json:"version"`
}

func unixTime(ts int64) time.Time {
	return time.Unix(ts, 0).UTC()
}

func newSnapshotView(s models.PerformanceSnapshot) SnapshotView {
	return SnapshotView{
		Timestamp:  unixTime(s.Timestamp),
		TotalValue: formatAmount(s.TotalValue),
		GrowthRate: bpsPercent(int64(s.GrowthRate)),
	}
}

func newPortfolioView(p *models.Portfolio) *PortfolioView {
	view := &PortfolioView{
		Owner:         p.Owner,
		TotalValue:    formatAmount(p.TotalValue),
		Allocations:   make([]AllocationView, 0, len(p.Allocations)),
		History:       make([]SnapshotView, 0, len(p.History)),
		IsRebalancing: p.IsRebalancing,
		CreatedAt:     unixTime(p.CreatedAt),
		UpdatedAt:     unixTime(p.UpdatedAt),
		Version:       p.Version,
	}
	if p.LastRebalance != 0 {
		last := unixTime(p.LastRebalance)
		view.LastRebalance = &last
	}

	for _, e := range p.Allocations {
		view.Allocations = append(view.Allocations, AllocationView{
			AssetID:           e.AssetID,
			Symbol:            e.Symbol,
			TargetPercentage:  bpsPercent(int64(e.TargetPercentage)),
			CurrentPercentage: sharePercent(e.CurrentAmount, p.TotalValue),
			CurrentAmount:     formatAmount(e.CurrentAmount),
			APY:               bpsPercent(int64(e.APY)),
			LastYieldUpdate:   unixTime(e.LastYieldUpdate),
		})
	}
	for _, s := range p.History {
		view.History = append(view.History, newSnapshotView(s))
	}
	return view
}

// SwapView is one planned swap
type SwapView struct {
	Side      types.SwapSide `json:"side"`
	FromAsset types.AssetID  `json:"fromAsset"`
	ToAsset   types.AssetID  `json:"toAsset"`
	Amount    string         `json:"amount"`
}

func newSwapViews(swaps []models.SwapOperation) []SwapView {
	out := make([]SwapView, 0, len(swaps))
	for _, s := range swaps {
		out = append(out, SwapView{
			Side:      s.Side,
			FromAsset: s.FromAsset,
			ToAsset:   s.ToAsset,
			Amount:    formatAmount(s.Amount),
		})
	}
	return out
}

// DriftView reports the drift that triggered (or would trigger) a rebalance
type DriftView struct {
	AssetID           types.AssetID `json:"assetId,omitempty"`
	CurrentPercentage string        `json:"currentPercentage"`
	TargetPercentage  string        `json:"targetPercentage"`
	Drift             string        `json:"drift"`
	Matched           bool          `json:"matched"`
	Description       string        `json:"description"`
}

func newDriftView(d ledger.Drift) DriftView {
	return DriftView{
		AssetID:           d.AssetID,
		CurrentPercentage: bpsPercent(int64(d.CurrentBps)),
		TargetPercentage:  bpsPercent(int64(d.TargetBps)),
		Drift:             bpsPercent(int64(d.DriftBps)),
		Matched:           d.Matched,
		Description:       d.String(),
	}
}

// RebalanceView is the response of a committed rebalance
type RebalanceView struct {
	Portfolio   *PortfolioView `json:"portfolio"`
	Swaps       []SwapView     `json:"swaps"`
	Slippage    string         `json:"slippage"`
	Drift       DriftView      `json:"drift"`
	ExecutionID string         `json:"executionId,omitempty"`
	Replayed    bool           `json:"replayed,omitempty"`
}

func newRebalanceView(outcome *service.RebalanceOutcome) *RebalanceView {
	view := &RebalanceView{
		Portfolio: newPortfolioView(outcome.Portfolio),
		Swaps:     newSwapViews(outcome.Result.Swaps),
		Slippage:  bpsPercent(int64(outcome.Result.SlippageBps)),
		Drift:     newDriftView(outcome.Result.Drift),
		Replayed:  outcome.Replayed,
	}
	if outcome.Execution != nil {
		view.ExecutionID = outcome.Execution.ID
	}
	return view
}

// PreviewView is the response of a rebalance preview
type PreviewView struct {
	NeedsRebalance bool       `json:"needsRebalance"`
	Drift          DriftView  `json:"drift"`
	Swaps          []SwapView `json:"swaps"`
	Eligible       bool       `json:"eligible"`
	NextEligibleAt *time.Time `json:"nextEligibleAt,omitempty"`
}

func newPreviewView(p *ledger.Preview) *PreviewView {
	view := &PreviewView{
		NeedsRebalance: p.NeedsRebalance,
		Drift:          newDriftView(p.Drift),
		Swaps:          newSwapViews(p.Swaps),
		Eligible:       p.Eligible,
	}
	if p.NextEligibleAt != 0 {
		next := unixTime(p.NextEligibleAt)
		view.NextEligibleAt = &next
	}
	return view
}

// ArchivedSnapshotView is one archived snapshot
type ArchivedSnapshotView struct {
	Operation  string    `json:"operation"`
	Timestamp  time.Time `json:"timestamp"`
	TotalValue string    `json:"totalValue"`
	GrowthRate string    `json:"growthRate"`
}

// HistoryResponse is the response of a history query
type HistoryResponse struct {
	Owner    string                 `json:"owner"`
	Recent   []SnapshotView         `json:"recent"`
	Archived []ArchivedSnapshotView `json:"archived"`
}

func newHistoryResponse(h *service.HistoryView) *HistoryResponse {
	resp := &HistoryResponse{
		Owner:    h.Owner,
		Recent:   make([]SnapshotView, 0, len(h.Recent)),
		Archived: make([]ArchivedSnapshotView, 0, len(h.Archived)),
	}
	for _, s := range h.Recent {
		resp.Recent = append(resp.Recent, newSnapshotView(s))
	}
	for _, s := range h.Archived {
		resp.Archived = append(resp.Archived, ArchivedSnapshotView{
			Operation:  s.Operation,
			Timestamp:  s.Timestamp.UTC(),
			TotalValue: formatAmount(s.TotalValue),
			GrowthRate: bpsPercent(int64(s.GrowthRate)),
		})
	}
	return resp
}

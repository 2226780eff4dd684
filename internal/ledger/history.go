package ledger

import (
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// history is a fixed-capacity FIFO ring of performance snapshots
type history struct {
	entries [types.MaxSnapshots]models.PerformanceSnapshot
	head    int // index of the oldest entry
	count   int
}

func (h *history) len() int {
	return h.count
}

func (h *history) last() (models.PerformanceSnapshot, bool) {
	if h.count == 0 {
		return models.PerformanceSnapshot{}, false
	}
	return h.entries[(h.head+h.count-1)%types.MaxSnapshots], true
}

// push appends s, evicting the oldest entry when full
func (h *history) push(s models.PerformanceSnapshot) {
	if h.count < types.MaxSnapshots {
		h.entries[(h.head+h.count)%types.MaxSnapshots] = s
		h.count++
		return
	}
	h.entries[h.head] = s
	h.head = (h.head + 1) % types.MaxSnapshots
}

// appendSnapshot records totalValue at timestamp with growth relative to the previous snapshot
func (h *history) appendSnapshot(totalValue uint64, timestamp int64) models.PerformanceSnapshot {
	var rate int32
	if prev, ok := h.last(); ok {
		rate = growthRate(prev.TotalValue, totalValue)
	}

	s := models.PerformanceSnapshot{
		Timestamp:  timestamp,
		TotalValue: totalValue,
		GrowthRate: rate,
	}
	h.push(s)
	return s
}

// snapshots returns the ring in chronological order
func (h *history) snapshots() []models.PerformanceSnapshot {
	out := make([]models.PerformanceSnapshot, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.entries[(h.head+i)%types.MaxSnapshots]
	}
	return out
}

package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
)

const monitorPageSize = 100

// DriftReport summarizes one monitor pass
type DriftReport struct {
	Checked int                 `json:"checked"`
	Drifted []models.DriftAlert `json:"drifted"`
	Failed  int                 `json:"failed"`
}

// DriftMonitor periodically checks every portfolio against its own recorded targets.
// It only reports; rebalancing stays an owner action.
type DriftMonitor struct {
	repo     PortfolioRepository
	archive  HistoryArchive
	clock    Clock
	opts     ledger.Options
	interval time.Duration

	mu       sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
	running  bool
}

// NewDriftMonitor creates a drift monitor. archive may be nil.
func NewDriftMonitor(repo PortfolioRepository, archive HistoryArchive, clock Clock, opts ledger.Options, interval time.Duration) *DriftMonitor {
	if clock == nil {
		clock = SystemClock{}
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &DriftMonitor{
		repo:     repo,
		archive:  archive,
		clock:    clock,
		opts:     opts,
		interval: interval,
	}
}

// Start runs a pass every interval until Stop or ctx is done
func (m *DriftMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("drift monitor is already running")
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})

	logger := logging.FromContext(ctx).WithField("interval", m.interval.String())
	logger.Info("Drift monitor starting")

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := m.RunOnce(ctx); err != nil {
					logger.WithError(err).Error("Drift monitor pass failed")
				}
			case <-m.stopChan:
				logger.Info("Drift monitor stopped")
				return
			case <-ctx.Done():
				logger.Info("Drift monitor stopped")
				return
			}
		}
	}()

	return nil
}

// Stop stops the scheduler and waits for an in-flight pass to finish
func (m *DriftMonitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("drift monitor is not running")
	}
	m.running = false
	close(m.stopChan)
	done := m.done
	m.mu.Unlock()

	<-done
	return nil
}

// IsRunning returns whether the scheduler is currently running
func (m *DriftMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RunOnce checks every stored portfolio once. A portfolio that cannot be read is
// counted as failed and skipped.
func (m *DriftMonitor) RunOnce(ctx context.Context) (*DriftReport, error) {
	logger := logging.FromContext(ctx)
	report := &DriftReport{Drifted: make([]models.DriftAlert, 0)}
	now := m.clock.Now().UTC()

	after := ""
	for {
		owners, err := m.repo.ListOwners(ctx, after, monitorPageSize)
		if err != nil {
			return report, fmt.Errorf("failed to list portfolios: %w", err)
		}

		for _, owner := range owners {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			alert, err := m.check(ctx, owner, now)
			report.Checked++
			if err != nil {
				report.Failed++
				logger.WithError(err).WithField("owner", owner).Warn("Drift check failed")
				continue
			}
			if alert != nil {
				report.Drifted = append(report.Drifted, *alert)
			}
		}

		if len(owners) < monitorPageSize {
			break
		}
		after = owners[len(owners)-1]
	}

	if m.archive != nil && len(report.Drifted) > 0 {
		if err := m.archive.InsertDriftAlerts(ctx, report.Drifted); err != nil {
			logger.WithError(err).Warn("Failed to archive drift alerts")
		}
	}

	logger.WithFields(map[string]interface{}{
		"checked": report.Checked,
		"drifted": len(report.Drifted),
		"failed":  report.Failed,
	}).Info("Drift monitor pass complete")

	return report, nil
}

func (m *DriftMonitor) check(ctx context.Context, owner string, now time.Time) (*models.DriftAlert, error) {
	rec, err := m.repo.GetByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	p, err := ledger.Restore(rec, m.opts)
	if err != nil {
		return nil, err
	}

	needed, drift := ledger.NeedsRebalance(p.Allocations(), p.OwnTargets(), p.TotalValue())
	if !needed {
		return nil, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner": owner,
		"drift": drift.String(),
	}).Info("Portfolio drifted past threshold")

	return &models.DriftAlert{
		Owner:      owner,
		AssetID:    drift.AssetID,
		DriftBps:   uint32(drift.DriftBps), // #nosec G115 - drift is at most 10000
		TotalValue: p.TotalValue(),
		DetectedAt: now,
	}, nil
}

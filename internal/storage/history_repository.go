package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rebalancer/internal/models"
)

// HistoryRepository archives snapshots, rebalance events and drift alerts in
// ClickHouse. The in-record ring keeps only the latest snapshots; this keeps all of them.
type HistoryRepository struct {
	db *ClickHouseDB
}

// NewHistoryRepository creates a new history repository
func NewHistoryRepository(db *ClickHouseDB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

// InsertSnapshots appends snapshots in one batch
func (r *HistoryRepository) InsertSnapshots(ctx context.Context, snapshots []models.ArchivedSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO portfolio_snapshots (owner, operation, timestamp, total_value, growth_rate)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range snapshots {
		if err := batch.Append(s.Owner, s.Operation, s.Timestamp, s.TotalValue, s.GrowthRate); err != nil {
			return fmt.Errorf("failed to append snapshot to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// GetSnapshots returns the archived snapshots of owner in [from, to], oldest first
func (r *HistoryRepository) GetSnapshots(ctx context.Context, owner string, from, to time.Time, limit int) ([]models.ArchivedSnapshot, error) {
	if limit <= 0 || limit > 10000 {
		limit = 10000
	}

	rows, err := r.db.Conn().Query(ctx, `
		SELECT owner, operation, timestamp, total_value, growth_rate
		FROM portfolio_snapshots
		WHERE owner = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
		LIMIT ?
	`, owner, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	snapshots := make([]models.ArchivedSnapshot, 0)
	for rows.Next() {
		var s models.ArchivedSnapshot
		if err := rows.Scan(&s.Owner, &s.Operation, &s.Timestamp, &s.TotalValue, &s.GrowthRate); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}

	return snapshots, nil
}

// InsertRebalanceEvent records one committed rebalance
func (r *HistoryRepository) InsertRebalanceEvent(ctx context.Context, event *models.RebalanceEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	swapsJSON, err := json.Marshal(event.Swaps)
	if err != nil {
		return fmt.Errorf("failed to marshal swaps: %w", err)
	}

	query := `
		INSERT INTO rebalance_events (id, owner, executed_at, total_value, slippage_bps, reason, swaps)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if err := r.db.Conn().Exec(ctx, query,
		event.ID,
		event.Owner,
		event.ExecutedAt,
		event.TotalValue,
		event.SlippageBps,
		event.Reason,
		string(swapsJSON),
	); err != nil {
		return fmt.Errorf("failed to insert rebalance event: %w", err)
	}
	return nil
}

// InsertDriftAlerts records the portfolios the drift monitor found outside their targets
func (r *HistoryRepository) InsertDriftAlerts(ctx context.Context, alerts []models.DriftAlert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO drift_alerts (owner, asset_id, drift_bps, total_value, detected_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range alerts {
		if err := batch.Append(a.Owner, string(a.AssetID), a.DriftBps, a.TotalValue, a.DetectedAt); err != nil {
			return fmt.Errorf("failed to append drift alert to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

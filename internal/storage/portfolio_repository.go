package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

const uniqueViolation = "23505"

// PortfolioRepository handles portfolio record persistence.
// Writes are optimistic on the version column.
type PortfolioRepository struct {
	db *PostgresDB
}

// NewPortfolioRepository creates a new portfolio repository
func NewPortfolioRepository(db *PostgresDB) *PortfolioRepository {
	return &PortfolioRepository{db: db}
}

type encodedRecord struct {
	totalValue  string
	allocations []byte
	history     []byte
}

func encodeRecord(p *models.Portfolio) (*encodedRecord, error) {
	allocations := p.Allocations
	if allocations == nil {
		allocations = []models.AllocationEntry{}
	}
	history := p.History
	if history == nil {
		history = []models.PerformanceSnapshot{}
	}

	allocationsJSON, err := json.Marshal(allocations)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal allocations: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}

	return &encodedRecord{
		totalValue:  strconv.FormatUint(p.TotalValue, 10),
		allocations: allocationsJSON,
		history:     historyJSON,
	}, nil
}

// Create inserts a new record at version 1. An existing owner returns PortfolioExists.
func (r *PortfolioRepository) Create(ctx context.Context, portfolio *models.Portfolio) error {
	enc, err := encodeRecord(portfolio)
	if err != nil {
		return apperrors.NewInternalError("failed to encode portfolio", err)
	}

	query := `
		INSERT INTO portfolios (
			owner, total_value, allocations, history, last_rebalance,
			is_rebalancing, created_at, updated_at, version
		) VALUES ($1, $2::numeric, $3, $4, $5, $6, $7, $8, 1)
	`

	_, err = r.db.Pool().Exec(ctx, query,
		portfolio.Owner,
		enc.totalValue,
		enc.allocations,
		enc.history,
		portfolio.LastRebalance,
		portfolio.IsRebalancing,
		portfolio.CreatedAt,
		portfolio.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return apperrors.NewPortfolioExistsError(portfolio.Owner)
		}
		return apperrors.NewDatabaseError("create portfolio", err)
	}

	portfolio.Version = 1
	return nil
}

// GetByOwner loads the record of owner. A missing record returns PortfolioNotFound.
func (r *PortfolioRepository) GetByOwner(ctx context.Context, owner string) (*models.Portfolio, error) {
	query := `
		SELECT owner, total_value::text, allocations, history, last_rebalance,
			   is_rebalancing, created_at, updated_at, version
		FROM portfolios
		WHERE owner = $1
	`

	var (
		portfolio       models.Portfolio
		totalValue      string
		allocationsJSON []byte
		historyJSON     []byte
	)

	err := r.db.Pool().QueryRow(ctx, query, owner).Scan(
		&portfolio.Owner,
		&totalValue,
		&allocationsJSON,
		&historyJSON,
		&portfolio.LastRebalance,
		&portfolio.IsRebalancing,
		&portfolio.CreatedAt,
		&portfolio.UpdatedAt,
		&portfolio.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewPortfolioNotFoundError(owner)
		}
		return nil, apperrors.NewDatabaseError("get portfolio", err)
	}

	if err := decodeRecord(&portfolio, totalValue, allocationsJSON, historyJSON); err != nil {
		return nil, err
	}
	return &portfolio, nil
}

func decodeRecord(p *models.Portfolio, totalValue string, allocationsJSON, historyJSON []byte) error {
	total, err := strconv.ParseUint(totalValue, 10, 64)
	if err != nil {
		return apperrors.NewLedgerInvariantError(fmt.Sprintf("stored total value %q is not a uint64", totalValue))
	}
	p.TotalValue = total

	if err := json.Unmarshal(allocationsJSON, &p.Allocations); err != nil {
		return apperrors.NewLedgerInvariantError("stored allocations are malformed: " + err.Error())
	}
	if err := json.Unmarshal(historyJSON, &p.History); err != nil {
		return apperrors.NewLedgerInvariantError("stored history is malformed: " + err.Error())
	}

	if len(p.Allocations) > types.MaxAllocations || len(p.History) > types.MaxSnapshots {
		return apperrors.NewLedgerInvariantError("stored record exceeds its capacity bounds")
	}
	return nil
}

// Update writes portfolio if its version is still current and bumps the version.
// A concurrent writer makes this return StaleRecord.
func (r *PortfolioRepository) Update(ctx context.Context, portfolio *models.Portfolio) error {
	enc, err := encodeRecord(portfolio)
	if err != nil {
		return apperrors.NewInternalError("failed to encode portfolio", err)
	}

	query := `
		UPDATE portfolios
		SET total_value = $3::numeric,
			allocations = $4,
			history = $5,
			last_rebalance = $6,
			is_rebalancing = $7,
			updated_at = $8,
			version = version + 1,
			stored_at = NOW()
		WHERE owner = $1 AND version = $2
	`

	result, err := r.db.Pool().Exec(ctx, query,
		portfolio.Owner,
		portfolio.Version,
		enc.totalValue,
		enc.allocations,
		enc.history,
		portfolio.LastRebalance,
		portfolio.IsRebalancing,
		portfolio.UpdatedAt,
	)
	if err != nil {
		return apperrors.NewDatabaseError("update portfolio", err)
	}

	if result.RowsAffected() == 0 {
		return apperrors.NewStaleRecordError(portfolio.Owner, portfolio.Version)
	}

	portfolio.Version++
	return nil
}

// Delete removes the record of owner
func (r *PortfolioRepository) Delete(ctx context.Context, owner string) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM portfolios WHERE owner = $1`, owner)
	if err != nil {
		return apperrors.NewDatabaseError("delete portfolio", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.NewPortfolioNotFoundError(owner)
	}
	return nil
}

// ListOwners returns up to limit owners after the given owner, in owner order.
// Pass an empty after to start from the beginning.
func (r *PortfolioRepository) ListOwners(ctx context.Context, after string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT owner FROM portfolios
		WHERE owner > $1
		ORDER BY owner
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list owners", err)
	}
	defer rows.Close()

	owners := make([]string, 0, limit)
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, apperrors.NewDatabaseError("scan owner", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("iterate owners", err)
	}

	return owners, nil
}

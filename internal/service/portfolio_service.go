package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/auth"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// Repository interfaces for dependency injection

// PortfolioRepository stores one record per owner with optimistic versioning
type PortfolioRepository interface {
	Create(ctx context.Context, portfolio *models.Portfolio) error
	GetByOwner(ctx context.Context, owner string) (*models.Portfolio, error)
	Update(ctx context.Context, portfolio *models.Portfolio) error
	ListOwners(ctx context.Context, after string, limit int) ([]string, error)
}

// HistoryArchive keeps the unbounded history beyond the in-record ring
type HistoryArchive interface {
	InsertSnapshots(ctx context.Context, snapshots []models.ArchivedSnapshot) error
	GetSnapshots(ctx context.Context, owner string, from, to time.Time, limit int) ([]models.ArchivedSnapshot, error)
	InsertRebalanceEvent(ctx context.Context, event *models.RebalanceEvent) error
	InsertDriftAlerts(ctx context.Context, alerts []models.DriftAlert) error
}

// RecordLocker serializes mutations of one owner's record
type RecordLocker interface {
	WithLock(ctx context.Context, owner string, fn func(ctx context.Context) error) error
}

// ViewCache is the read cache in front of the repository
type ViewCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	InvalidateOwner(ctx context.Context, owner string) error
	PortfolioKey(owner string) string
	HistoryKey(owner string, from, to time.Time) string
}

// ReplayStore remembers what a mutation applied under a caller's idempotency
// key returned, so a repeated key gets the same outcome
type ReplayStore interface {
	Lookup(ctx context.Context, owner, key string, dest interface{}) (bool, error)
	Remember(ctx context.Context, owner, key string, outcome interface{}) error
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now
func (SystemClock) Now() time.Time { return time.Now() }

// Dependencies wires a PortfolioService. Archive, Cache, Replays and the collaborators
// are optional; operations that need a missing collaborator fail with ServiceUnavailable.
// Without Replays a repeated idempotency key applies again.
type Dependencies struct {
	Repo      PortfolioRepository
	Locker    RecordLocker
	Archive   HistoryArchive
	Cache     ViewCache
	Replays   ReplayStore
	Transfers adapter.TransferExecutor
	Swaps     adapter.SwapExecutor
	Balances  adapter.BalanceSource
	Clock     Clock
	Options   ledger.Options
}

// PortfolioService runs ledger operations against stored records
type PortfolioService struct {
	repo      PortfolioRepository
	locker    RecordLocker
	archive   HistoryArchive
	cache     ViewCache
	replays   ReplayStore
	transfers adapter.TransferExecutor
	swaps     adapter.SwapExecutor
	balances  adapter.BalanceSource
	clock     Clock
	opts      ledger.Options
}

// NewPortfolioService creates a new portfolio service
func NewPortfolioService(deps Dependencies) *PortfolioService {
	clock := deps.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	return &PortfolioService{
		repo:      deps.Repo,
		locker:    deps.Locker,
		archive:   deps.Archive,
		cache:     deps.Cache,
		replays:   deps.Replays,
		transfers: deps.Transfers,
		swaps:     deps.Swaps,
		balances:  deps.Balances,
		clock:     clock,
		opts:      deps.Options,
	}
}

// Input types

// InitializeInput creates a portfolio for Owner
type InitializeInput struct {
	Owner       string                     `json:"owner"`
	Allocations []models.InitialAllocation `json:"allocations"`
}

// DepositInput credits the base asset
type DepositInput struct {
	Owner          string `json:"owner"`
	Amount         uint64 `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// AllocationInput adds or updates one allocation target
type AllocationInput struct {
	Owner            string            `json:"owner"`
	AssetID          types.AssetID     `json:"assetId"`
	Symbol           string            `json:"symbol"`
	TargetPercentage types.BasisPoints `json:"targetPercentage"`
}

// PositionInput moves Amount into (invest) or out of (withdraw) the entry named by Key,
// a symbol or an asset id
type PositionInput struct {
	Owner          string `json:"owner"`
	Key            string `json:"key"`
	Amount         uint64 `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// RebalanceInput requests a rebalance to Targets
type RebalanceInput struct {
	Owner          string                    `json:"owner"`
	Targets        []models.AllocationTarget `json:"targets"`
	SlippageBps    *types.BasisPoints        `json:"slippageBps,omitempty"`
	IdempotencyKey string                    `json:"idempotencyKey"`
}

// YieldsInput updates APY values by symbol
type YieldsInput struct {
	Owner   string               `json:"owner"`
	Updates []models.YieldUpdate `json:"updates"`
}

// HistoryInput selects a history range. Zero times mean unbounded.
type HistoryInput struct {
	Owner string    `json:"owner"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit"`
}

// Output types

// RebalanceOutcome is a committed rebalance and the executor's acknowledgement.
// Replayed is set when the idempotency key was already applied and nothing ran.
type RebalanceOutcome struct {
	Portfolio *models.Portfolio       `json:"portfolio"`
	Result    *ledger.RebalanceResult `json:"result"`
	Execution *adapter.SwapExecution  `json:"execution,omitempty"`
	Replayed  bool                    `json:"replayed"`
}

// YieldsOutcome reports how many updates matched an allocation
type YieldsOutcome struct {
	Portfolio *models.Portfolio `json:"portfolio"`
	Matched   int               `json:"matched"`
}

// HistoryView combines the in-record ring with the archive
type HistoryView struct {
	Owner    string                       `json:"owner"`
	Recent   []models.PerformanceSnapshot `json:"recent"`
	Archived []models.ArchivedSnapshot    `json:"archived"`
}

// Initialize creates the caller's portfolio
func (s *PortfolioService) Initialize(ctx context.Context, input *InitializeInput) (*models.Portfolio, error) {
	p, err := ledger.Initialize(input.Owner, input.Allocations, s.clock.Now().Unix(), s.opts)
	if err != nil {
		return nil, err
	}
	if err := authorize(ctx, p); err != nil {
		return nil, err
	}

	rec := p.Record()
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner":       rec.Owner,
		"allocations": len(rec.Allocations),
	}).Info("Portfolio initialized")

	s.invalidate(ctx, rec.Owner)
	return rec, nil
}

// GetPortfolio returns the caller's portfolio, from cache when possible
func (s *PortfolioService) GetPortfolio(ctx context.Context, owner string) (*models.Portfolio, error) {
	if s.cache != nil {
		var cached models.Portfolio
		hit, err := s.cache.Get(ctx, s.cache.PortfolioKey(owner), &cached)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Portfolio cache read failed")
		} else if hit {
			return &cached, nil
		}
	}

	p, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}

	rec := p.Record()
	if s.cache != nil {
		if err := s.cache.Set(ctx, s.cache.PortfolioKey(owner), rec); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Portfolio cache write failed")
		}
	}
	return rec, nil
}

// Deposit credits the base asset after the transfer service accepts the deposit
func (s *PortfolioService) Deposit(ctx context.Context, input *DepositInput) (*models.Portfolio, error) {
	return s.mutate(ctx, input.Owner, "deposit", input.IdempotencyKey, func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		snap, err := p.Deposit(input.Amount, now)
		if err != nil {
			return nil, err
		}

		if err := s.transfer(ctx, adapter.TransferRequest{
			Owner:          p.Owner(),
			AssetID:        p.BaseAsset(),
			Amount:         input.Amount,
			Direction:      adapter.TransferIn,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey),
		}); err != nil {
			return nil, err
		}
		return []models.PerformanceSnapshot{snap}, nil
	})
}

// AddOrUpdateAllocation sets the target of one asset, creating the entry if needed
func (s *PortfolioService) AddOrUpdateAllocation(ctx context.Context, input *AllocationInput) (*models.Portfolio, error) {
	return s.mutate(ctx, input.Owner, "allocation", "", func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		_, err := p.AddOrUpdateAllocation(input.AssetID, input.Symbol, input.TargetPercentage, now)
		return nil, err
	})
}

// Invest credits an existing entry after the transfer service moves the asset into the vault
func (s *PortfolioService) Invest(ctx context.Context, input *PositionInput) (*models.Portfolio, error) {
	return s.mutate(ctx, input.Owner, "invest", input.IdempotencyKey, func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		snap, err := p.Invest(input.Key, input.Amount, now)
		if err != nil {
			return nil, err
		}

		entry, _ := p.Entry(input.Key)
		if err := s.transfer(ctx, adapter.TransferRequest{
			Owner:          p.Owner(),
			AssetID:        entry.AssetID,
			Amount:         input.Amount,
			Direction:      adapter.TransferIn,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey),
		}); err != nil {
			return nil, err
		}
		return []models.PerformanceSnapshot{snap}, nil
	})
}

// Withdraw debits an entry. The custodied balance must cover the amount too.
func (s *PortfolioService) Withdraw(ctx context.Context, input *PositionInput) (*models.Portfolio, error) {
	return s.mutate(ctx, input.Owner, "withdraw", input.IdempotencyKey, func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		var backing uint64
		entry, found := p.Entry(input.Key)
		if found && input.Amount > 0 {
			if s.balances == nil {
				return nil, apperrors.NewServiceUnavailableError("custodian")
			}
			var err error
			backing, err = s.balances.BalanceOf(ctx, p.Owner(), entry.AssetID)
			if err != nil {
				return nil, err
			}
		}

		snap, err := p.Withdraw(input.Key, input.Amount, backing, now)
		if err != nil {
			return nil, err
		}

		if err := s.transfer(ctx, adapter.TransferRequest{
			Owner:          p.Owner(),
			AssetID:        entry.AssetID,
			Amount:         input.Amount,
			Direction:      adapter.TransferOut,
			IdempotencyKey: idempotencyKey(input.IdempotencyKey),
		}); err != nil {
			return nil, err
		}
		return []models.PerformanceSnapshot{snap}, nil
	})
}

// Rebalance moves the portfolio to Targets. The planned swaps go to the swap
// executor before anything is committed; a rejected batch fails the rebalance.
// A repeated idempotency key returns the first outcome without new swaps.
func (s *PortfolioService) Rebalance(ctx context.Context, input *RebalanceInput) (*RebalanceOutcome, error) {
	out := &applied{}
	key := idempotencyKey(input.IdempotencyKey)

	err := s.apply(ctx, input.Owner, "rebalance", input.IdempotencyKey, out, func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		result, err := p.Rebalance(ledger.RebalanceRequest{
			Targets:     input.Targets,
			SlippageBps: input.SlippageBps,
			OnPlan: func(swaps []models.SwapOperation) error {
				if len(swaps) == 0 {
					return nil
				}
				if s.swaps == nil {
					return apperrors.NewServiceUnavailableError("swap")
				}

				slippage := s.opts.DefaultSlippageBps
				if input.SlippageBps != nil {
					slippage = *input.SlippageBps
				} else if slippage == 0 {
					slippage = types.DefaultSlippageBps
				}
				execution, err := s.swaps.ExecuteSwaps(ctx, adapter.SwapRequest{
					Owner:          p.Owner(),
					Swaps:          swaps,
					SlippageBps:    slippage,
					IdempotencyKey: key,
				})
				if err != nil {
					return err
				}
				out.Execution = execution
				return nil
			},
		}, now)
		if err != nil {
			return nil, err
		}

		out.Result = result
		return []models.PerformanceSnapshot{result.Snapshot}, nil
	})
	if err != nil {
		return nil, err
	}

	rec := out.Portfolio
	outcome := &RebalanceOutcome{
		Portfolio: rec,
		Result:    out.Result,
		Execution: out.Execution,
		Replayed:  out.replayed,
	}
	if out.replayed {
		return outcome, nil
	}

	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner":       rec.Owner,
		"swaps":       len(outcome.Result.Swaps),
		"slippageBps": outcome.Result.SlippageBps,
		"drift":       outcome.Result.Drift.String(),
	}).Info("Portfolio rebalanced")

	if s.archive != nil {
		event := &models.RebalanceEvent{
			ID:          key,
			Owner:       rec.Owner,
			ExecutedAt:  time.Unix(rec.LastRebalance, 0).UTC(),
			TotalValue:  rec.TotalValue,
			SlippageBps: uint32(outcome.Result.SlippageBps),
			Reason:      outcome.Result.Drift.String(),
			Swaps:       outcome.Result.Swaps,
		}
		if err := s.archive.InsertRebalanceEvent(ctx, event); err != nil {
			logging.FromContext(ctx).WithError(err).WithField("owner", rec.Owner).Warn("Failed to archive rebalance event")
		}
	}

	return outcome, nil
}

// PreviewRebalance evaluates targets without changing anything. Empty targets
// evaluate the portfolio against its own recorded targets.
func (s *PortfolioService) PreviewRebalance(ctx context.Context, owner string, targets []models.AllocationTarget) (*ledger.Preview, error) {
	p, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = p.OwnTargets()
	}
	return p.Preview(targets, s.clock.Now().Unix())
}

// UpdateYields sets APY values by symbol
func (s *PortfolioService) UpdateYields(ctx context.Context, input *YieldsInput) (*YieldsOutcome, error) {
	outcome := &YieldsOutcome{}
	rec, err := s.mutate(ctx, input.Owner, "yields", "", func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		matched, err := p.UpdateYields(input.Updates, now)
		outcome.Matched = matched
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	outcome.Portfolio = rec
	return outcome, nil
}

// Reconcile replaces recorded amounts with the custodian's balances
func (s *PortfolioService) Reconcile(ctx context.Context, owner string) (*models.Portfolio, error) {
	if s.balances == nil {
		return nil, apperrors.NewServiceUnavailableError("custodian")
	}

	return s.mutate(ctx, owner, "reconcile", "", func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error) {
		balances, err := s.balances.Balances(ctx, p.Owner())
		if err != nil {
			return nil, err
		}

		snap, err := p.Reconcile(balances, now)
		if err != nil {
			return nil, err
		}
		return []models.PerformanceSnapshot{snap}, nil
	})
}

// GetHistory returns the ring snapshots in range and, when an archive is
// configured, the archived ones
func (s *PortfolioService) GetHistory(ctx context.Context, input *HistoryInput) (*HistoryView, error) {
	from, to := input.From, input.To
	if to.IsZero() {
		to = s.clock.Now()
	}
	if from.After(to) {
		return nil, apperrors.NewInvalidParameterError("from", "from must not be after to")
	}

	var key string
	if s.cache != nil {
		key = s.cache.HistoryKey(input.Owner, from, to)
		var cached HistoryView
		if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
			return &cached, nil
		}
	}

	p, err := s.load(ctx, input.Owner)
	if err != nil {
		return nil, err
	}

	view := &HistoryView{
		Owner:    p.Owner(),
		Recent:   make([]models.PerformanceSnapshot, 0),
		Archived: make([]models.ArchivedSnapshot, 0),
	}
	for _, snap := range p.History() {
		if snap.Timestamp >= from.Unix() && snap.Timestamp <= to.Unix() {
			view.Recent = append(view.Recent, snap)
		}
	}

	if s.archive != nil {
		archived, err := s.archive.GetSnapshots(ctx, p.Owner(), from, to, input.Limit)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Warn("History archive read failed")
		} else {
			view.Archived = archived
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, view); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("History cache write failed")
		}
	}
	return view, nil
}

// load reads and restores the record of owner. A verified caller on ctx must own it.
func (s *PortfolioService) load(ctx context.Context, owner string) (*ledger.Portfolio, error) {
	rec, err := s.repo.GetByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	p, err := ledger.Restore(rec, s.opts)
	if err != nil {
		logging.FromContext(ctx).WithError(err).WithField("owner", owner).Error("Stored portfolio failed validation")
		return nil, err
	}

	if err := authorize(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// authorize checks the verified caller on ctx, when there is one, owns p
func authorize(ctx context.Context, p *ledger.Portfolio) error {
	caller, ok := auth.CallerFromContext(ctx)
	if !ok {
		return nil
	}
	return p.Authorize(caller)
}

type mutation func(ctx context.Context, p *ledger.Portfolio, now int64) ([]models.PerformanceSnapshot, error)

// applied is what one mutation committed. Keyed mutations store it in the
// replay store.
type applied struct {
	Op        string                  `json:"op"`
	Portfolio *models.Portfolio       `json:"portfolio"`
	Result    *ledger.RebalanceResult `json:"result,omitempty"`
	Execution *adapter.SwapExecution  `json:"execution,omitempty"`

	replayed bool
}

// mutate applies fn and returns the saved record
func (s *PortfolioService) mutate(ctx context.Context, owner, op, key string, fn mutation) (*models.Portfolio, error) {
	out := &applied{}
	if err := s.apply(ctx, owner, op, key, out, fn); err != nil {
		return nil, err
	}
	return out.Portfolio, nil
}

// apply runs fn under the owner's record lock and saves the result into out.
// Nothing is written when fn fails. When key was already applied for owner,
// out gets the first outcome and fn does not run.
func (s *PortfolioService) apply(ctx context.Context, owner, op, key string, out *applied, fn mutation) error {
	var snapshots []models.PerformanceSnapshot
	keyed := key != "" && s.replays != nil

	err := s.locker.WithLock(ctx, owner, func(ctx context.Context) error {
		p, err := s.load(ctx, owner)
		if err != nil {
			return err
		}

		if keyed {
			hit, err := s.replays.Lookup(ctx, owner, key, out)
			if err != nil {
				return err
			}
			if hit {
				if out.Op != op {
					return apperrors.NewIdempotencyKeyReusedError(key, out.Op)
				}
				out.replayed = true
				return nil
			}
		}

		snapshots, err = fn(ctx, p, s.clock.Now().Unix())
		if err != nil {
			return err
		}

		rec := p.Record()
		if err := s.repo.Update(ctx, rec); err != nil {
			return err
		}
		out.Op = op
		out.Portfolio = rec

		// Still under the lock, so a concurrent repeat of key sees it
		if keyed {
			if err := s.replays.Remember(ctx, owner, key, out); err != nil {
				logging.FromContext(ctx).WithError(err).WithFields(map[string]interface{}{
					"owner":          owner,
					"idempotencyKey": key,
				}).Error("Failed to remember idempotency key, a repeat will apply again")
			}
		}
		return nil
	})

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"owner": owner,
		"op":    op,
	})
	if err != nil {
		if apperrors.IsSystemError(err) {
			logger.WithError(err).Error("Portfolio operation failed")
		} else {
			logger.WithError(err).Debug("Portfolio operation rejected")
		}
		return err
	}

	if out.replayed {
		logger.WithField("idempotencyKey", key).Info("Idempotency key already applied, returning first outcome")
		return nil
	}

	s.archiveSnapshots(ctx, owner, op, snapshots)
	s.invalidate(ctx, owner)
	logger.WithField("version", out.Portfolio.Version).Debug("Portfolio saved")
	return nil
}

func (s *PortfolioService) transfer(ctx context.Context, req adapter.TransferRequest) error {
	if s.transfers == nil {
		return apperrors.NewServiceUnavailableError("transfer")
	}
	_, err := s.transfers.Transfer(ctx, req)
	return err
}

func (s *PortfolioService) archiveSnapshots(ctx context.Context, owner, op string, snapshots []models.PerformanceSnapshot) {
	if s.archive == nil || len(snapshots) == 0 {
		return
	}

	archived := make([]models.ArchivedSnapshot, len(snapshots))
	for i, snap := range snapshots {
		archived[i] = models.ArchivedSnapshot{
			Owner:      owner,
			Operation:  op,
			Timestamp:  time.Unix(snap.Timestamp, 0).UTC(),
			TotalValue: snap.TotalValue,
			GrowthRate: snap.GrowthRate,
		}
	}
	if err := s.archive.InsertSnapshots(ctx, archived); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("owner", owner).Warn("Failed to archive snapshots")
	}
}

func (s *PortfolioService) invalidate(ctx context.Context, owner string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOwner(ctx, owner); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("owner", owner).Warn("Failed to invalidate portfolio cache")
	}
}

// idempotencyKey returns key, or a fresh one when the caller sent none
func idempotencyKey(key string) string {
	if key != "" {
		return key
	}
	return uuid.New().String()
}

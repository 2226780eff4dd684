package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/types"
)

// Mock collaborators for testing

type mockPortfolioRepo struct {
	mu         sync.Mutex
	portfolios map[string]*models.Portfolio
	updateErr  error
	updates    int
}

func newMockPortfolioRepo() *mockPortfolioRepo {
	return &mockPortfolioRepo{portfolios: make(map[string]*models.Portfolio)}
}

func clone(p *models.Portfolio) *models.Portfolio {
	out := *p
	out.Allocations = append([]models.AllocationEntry(nil), p.Allocations...)
	out.History = append([]models.PerformanceSnapshot(nil), p.History...)
	return &out
}

func (m *mockPortfolioRepo) Create(ctx context.Context, portfolio *models.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.portfolios[portfolio.Owner]; ok {
		return apperrors.NewPortfolioExistsError(portfolio.Owner)
	}
	portfolio.Version = 1
	m.portfolios[portfolio.Owner] = clone(portfolio)
	return nil
}

func (m *mockPortfolioRepo) GetByOwner(ctx context.Context, owner string) (*models.Portfolio, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.portfolios[owner]
	if !ok {
		return nil, apperrors.NewPortfolioNotFoundError(owner)
	}
	return clone(p), nil
}

func (m *mockPortfolioRepo) Update(ctx context.Context, portfolio *models.Portfolio) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.updateErr != nil {
		return m.updateErr
	}
	stored, ok := m.portfolios[portfolio.Owner]
	if !ok {
		return apperrors.NewPortfolioNotFoundError(portfolio.Owner)
	}
	if stored.Version != portfolio.Version {
		return apperrors.NewStaleRecordError(portfolio.Owner, portfolio.Version)
	}
	portfolio.Version++
	m.portfolios[portfolio.Owner] = clone(portfolio)
	m.updates++
	return nil
}

func (m *mockPortfolioRepo) ListOwners(ctx context.Context, after string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owners []string
	for owner := range m.portfolios {
		if owner > after {
			owners = append(owners, owner)
		}
	}
	sort.Strings(owners)
	if len(owners) > limit {
		owners = owners[:limit]
	}
	return owners, nil
}

type mockLocker struct {
	calls int
	err   error
}

func (m *mockLocker) WithLock(ctx context.Context, owner string, fn func(ctx context.Context) error) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	return fn(ctx)
}

type mockArchive struct {
	mu        sync.Mutex
	snapshots []models.ArchivedSnapshot
	events    []*models.RebalanceEvent
	alerts    []models.DriftAlert
	err       error
}

func (m *mockArchive) InsertSnapshots(ctx context.Context, snapshots []models.ArchivedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snapshots = append(m.snapshots, snapshots...)
	return nil
}

func (m *mockArchive) GetSnapshots(ctx context.Context, owner string, from, to time.Time, limit int) ([]models.ArchivedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []models.ArchivedSnapshot
	for _, s := range m.snapshots {
		if s.Owner == owner && !s.Timestamp.Before(from) && !s.Timestamp.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockArchive) InsertRebalanceEvent(ctx context.Context, event *models.RebalanceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *mockArchive) InsertDriftAlerts(ctx context.Context, alerts []models.DriftAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.alerts = append(m.alerts, alerts...)
	return nil
}

type mockCache struct {
	entries     map[string][]byte
	invalidated []string
}

func newMockCache() *mockCache {
	return &mockCache{entries: make(map[string][]byte)}
}

func (m *mockCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (m *mockCache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = data
	return nil
}

func (m *mockCache) InvalidateOwner(ctx context.Context, owner string) error {
	m.invalidated = append(m.invalidated, owner)
	for key := range m.entries {
		if key == m.PortfolioKey(owner) || strings.HasPrefix(key, "history:"+owner+":") {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *mockCache) PortfolioKey(owner string) string {
	return "portfolio:" + owner
}

func (m *mockCache) HistoryKey(owner string, from, to time.Time) string {
	return "history:" + owner + ":" + from.Format(time.RFC3339) + ":" + to.Format(time.RFC3339)
}

type mockReplays struct {
	outcomes map[string][]byte
	err      error
}

func newMockReplays() *mockReplays {
	return &mockReplays{outcomes: make(map[string][]byte)}
}

func (m *mockReplays) Lookup(ctx context.Context, owner, key string, dest interface{}) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	data, ok := m.outcomes[owner+":"+key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dest)
}

func (m *mockReplays) Remember(ctx context.Context, owner, key string, outcome interface{}) error {
	if m.err != nil {
		return m.err
	}
	if _, ok := m.outcomes[owner+":"+key]; ok {
		return nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	m.outcomes[owner+":"+key] = data
	return nil
}

type mockTransfers struct {
	requests []adapter.TransferRequest
	err      error
}

func (m *mockTransfers) Transfer(ctx context.Context, req adapter.TransferRequest) (*adapter.TransferReceipt, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.requests = append(m.requests, req)
	return &adapter.TransferReceipt{ID: "tr-" + req.IdempotencyKey, Status: "settled"}, nil
}

type mockSwaps struct {
	requests []adapter.SwapRequest
	err      error
}

func (m *mockSwaps) ExecuteSwaps(ctx context.Context, req adapter.SwapRequest) (*adapter.SwapExecution, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.requests = append(m.requests, req)
	return &adapter.SwapExecution{ID: "exec-1", Status: "accepted"}, nil
}

type mockBalances struct {
	balances []models.AssetBalance
	err      error
}

func (m *mockBalances) Balances(ctx context.Context, owner string) ([]models.AssetBalance, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.balances, nil
}

func (m *mockBalances) BalanceOf(ctx context.Context, owner string, asset types.AssetID) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	for _, b := range m.balances {
		if b.AssetID == asset {
			return b.Amount, nil
		}
	}
	return 0, nil
}

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

func (c *fixedClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

var errCollaborator = errors.New("collaborator down")

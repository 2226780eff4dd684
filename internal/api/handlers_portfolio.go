package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/types"
)

// HeaderIdempotencyKey lets clients retry a collaborator-backed call safely
const HeaderIdempotencyKey = "Idempotency-Key"

func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(HeaderIdempotencyKey)
}

// handleInitialize handles POST /api/portfolios
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Allocations []models.InitialAllocation `json:"allocations"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.portfolioService.Initialize(r.Context(), &service.InitializeInput{
		Owner:       ownerFromContext(r.Context()),
		Allocations: req.Allocations,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, newPortfolioView(portfolio))
}

// handleGetPortfolio handles GET /api/portfolio
func (s *Server) handleGetPortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.portfolioService.GetPortfolio(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

// handleDeposit handles POST /api/portfolio/deposits
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount         string `json:"amount"`
		IdempotencyKey string `json:"idempotencyKey,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.portfolioService.Deposit(r.Context(), &service.DepositInput{
		Owner:          ownerFromContext(r.Context()),
		Amount:         amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

// handleUpdateAllocation handles PUT /api/portfolio/allocations/{assetId}
func (s *Server) handleUpdateAllocation(w http.ResponseWriter, r *http.Request) {
	assetID := types.AssetID(mux.Vars(r)["assetId"])

	var req struct {
		Symbol           string            `json:"symbol"`
		TargetPercentage types.BasisPoints `json:"targetPercentage"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.portfolioService.AddOrUpdateAllocation(r.Context(), &service.AllocationInput{
		Owner:            ownerFromContext(r.Context()),
		AssetID:          assetID,
		Symbol:           req.Symbol,
		TargetPercentage: req.TargetPercentage,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

type positionRequest struct {
	Asset          string `json:"asset"` // symbol or asset id
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

func (s *Server) parsePosition(r *http.Request) (*service.PositionInput, error) {
	var req positionRequest
	if err := parseJSONBody(r, &req); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return nil, err
	}
	return &service.PositionInput{
		Owner:          ownerFromContext(r.Context()),
		Key:            req.Asset,
		Amount:         amount,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	}, nil
}

// handleInvest handles POST /api/portfolio/investments
func (s *Server) handleInvest(w http.ResponseWriter, r *http.Request) {
	input, err := s.parsePosition(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.portfolioService.Invest(r.Context(), input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

// handleWithdraw handles POST /api/portfolio/withdrawals
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	input, err := s.parsePosition(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	portfolio, err := s.portfolioService.Withdraw(r.Context(), input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

// handleRebalance handles POST /api/portfolio/rebalance
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets        []models.AllocationTarget `json:"targets"`
		SlippageBps    *types.BasisPoints        `json:"slippageBps,omitempty"`
		IdempotencyKey string                    `json:"idempotencyKey,omitempty"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	outcome, err := s.portfolioService.Rebalance(r.Context(), &service.RebalanceInput{
		Owner:          ownerFromContext(r.Context()),
		Targets:        req.Targets,
		SlippageBps:    req.SlippageBps,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newRebalanceView(outcome))
}

// handlePreviewRebalance handles POST /api/portfolio/rebalance/preview.
// An empty body previews against the portfolio's own targets.
func (s *Server) handlePreviewRebalance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Targets []models.AllocationTarget `json:"targets"`
	}
	if r.ContentLength != 0 {
		if err := parseJSONBody(r, &req); err != nil {
			respondServiceError(w, r, err)
			return
		}
	}

	preview, err := s.portfolioService.PreviewRebalance(r.Context(), ownerFromContext(r.Context()), req.Targets)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPreviewView(preview))
}

// handleUpdateYields handles PUT /api/portfolio/yields
func (s *Server) handleUpdateYields(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Updates []models.YieldUpdate `json:"updates"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondServiceError(w, r, err)
		return
	}

	outcome, err := s.portfolioService.UpdateYields(r.Context(), &service.YieldsInput{
		Owner:   ownerFromContext(r.Context()),
		Updates: req.Updates,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"portfolio": newPortfolioView(outcome.Portfolio),
		"matched":   outcome.Matched,
	})
}

// handleReconcile handles POST /api/portfolio/reconcile
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.portfolioService.Reconcile(r.Context(), ownerFromContext(r.Context()))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newPortfolioView(portfolio))
}

// handleGetHistory handles GET /api/portfolio/history?from=&to=&limit=
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	input := &service.HistoryInput{Owner: ownerFromContext(r.Context())}

	var err error
	if input.From, err = parseTimeParam(query.Get("from"), "from"); err != nil {
		respondServiceError(w, r, err)
		return
	}
	if input.To, err = parseTimeParam(query.Get("to"), "to"); err != nil {
		respondServiceError(w, r, err)
		return
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 10000 {
			respondServiceError(w, r, apperrors.NewInvalidParameterError("limit", "must be between 1 and 10000"))
			return
		}
		input.Limit = limit
	}

	history, err := s.portfolioService.GetHistory(r.Context(), input)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newHistoryResponse(history))
}

// parseTimeParam accepts RFC3339 or Unix seconds; empty means unbounded
func parseTimeParam(value, param string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Time{}, apperrors.NewInvalidParameterError(param, "must be RFC3339 or Unix seconds")
}

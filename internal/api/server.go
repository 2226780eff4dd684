// Package api provides the HTTP API server implementation
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/portfolio-rebalancer/internal/auth"
	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	"github.com/portfolio-rebalancer/internal/ledger"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/service"
)

// PortfolioServiceInterface defines the portfolio operations the API exposes
type PortfolioServiceInterface interface {
	Initialize(ctx context.Context, input *service.InitializeInput) (*models.Portfolio, error)
	GetPortfolio(ctx context.Context, owner string) (*models.Portfolio, error)
	Deposit(ctx context.Context, input *service.DepositInput) (*models.Portfolio, error)
	AddOrUpdateAllocation(ctx context.Context, input *service.AllocationInput) (*models.Portfolio, error)
	Invest(ctx context.Context, input *service.PositionInput) (*models.Portfolio, error)
	Withdraw(ctx context.Context, input *service.PositionInput) (*models.Portfolio, error)
	Rebalance(ctx context.Context, input *service.RebalanceInput) (*service.RebalanceOutcome, error)
	PreviewRebalance(ctx context.Context, owner string, targets []models.AllocationTarget) (*ledger.Preview, error)
	UpdateYields(ctx context.Context, input *service.YieldsInput) (*service.YieldsOutcome, error)
	Reconcile(ctx context.Context, owner string) (*models.Portfolio, error)
	GetHistory(ctx context.Context, input *service.HistoryInput) (*service.HistoryView, error)
}

// Server represents the HTTP API server
type Server struct {
	router           *mux.Router
	httpServer       *http.Server
	portfolioService PortfolioServiceInterface
	verifier         auth.Verifier
	breakers         *circuitbreaker.CircuitBreakerManager
	config           *ServerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerSecond int // Per owner
	Burst             int
}

// NewServer creates a new API server instance. breakers may be nil.
func NewServer(
	config *ServerConfig,
	portfolioService PortfolioServiceInterface,
	verifier auth.Verifier,
	breakers *circuitbreaker.CircuitBreakerManager,
) *Server {
	s := &Server{
		router:           mux.NewRouter(),
		portfolioService: portfolioService,
		verifier:         verifier,
		breakers:         breakers,
		config:           config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	// Set up middleware (order matters!)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Every /api route acts on the verified caller's own portfolio
	rateLimiter := NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)
	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(AuthMiddleware(s.verifier))
	api.Use(RateLimitMiddleware(rateLimiter))

	api.HandleFunc("/portfolios", s.handleInitialize).Methods("POST")
	api.HandleFunc("/portfolio", s.handleGetPortfolio).Methods("GET")
	api.HandleFunc("/portfolio/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/portfolio/allocations/{assetId}", s.handleUpdateAllocation).Methods("PUT")
	api.HandleFunc("/portfolio/investments", s.handleInvest).Methods("POST")
	api.HandleFunc("/portfolio/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/portfolio/rebalance", s.handleRebalance).Methods("POST")
	api.HandleFunc("/portfolio/rebalance/preview", s.handlePreviewRebalance).Methods("POST")
	api.HandleFunc("/portfolio/yields", s.handleUpdateYields).Methods("PUT")
	api.HandleFunc("/portfolio/reconcile", s.handleReconcile).Methods("POST")
	api.HandleFunc("/portfolio/history", s.handleGetHistory).Methods("GET")
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports degraded while any collaborator circuit is open
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var breakers map[string]*circuitbreaker.Stats
	if s.breakers != nil {
		breakers = s.breakers.GetAllStats()
		if s.breakers.AnyOpen() {
			status = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"service":  "portfolio-rebalancer",
		"breakers": breakers,
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/portfolio-rebalancer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents rejected input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryState represents state and timing guard failures
	CategoryState ErrorCategory = "state"
	// CategoryResource represents insufficient balances
	CategoryResource ErrorCategory = "resource"
	// CategoryArithmetic represents checked arithmetic failures
	CategoryArithmetic ErrorCategory = "arithmetic"
	// CategoryAuthorization represents authorization errors
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryCollaborator represents failures of external transfer and swap services
	CategoryCollaborator ErrorCategory = "collaborator"
)

// Error codes
const (
	CodeInvalidAmount               = "INVALID_AMOUNT"
	CodeInvalidAllocationPercentage = "INVALID_ALLOCATION_PERCENTAGE"
	CodeInvalidTokenMint            = "INVALID_TOKEN_MINT"
	CodeInvalidAPY                  = "INVALID_APY"
	CodeAllocationOverflow          = "ALLOCATION_OVERFLOW"
	CodeRebalanceInProgress         = "REBALANCE_IN_PROGRESS"
	CodeRebalanceTooFrequent        = "REBALANCE_TOO_FREQUENT"
	CodeNoRebalanceNeeded           = "NO_REBALANCE_NEEDED"
	CodeInsufficientBalance         = "INSUFFICIENT_BALANCE"
	CodeMathOverflow                = "MATH_OVERFLOW"
	CodeUnauthorized                = "UNAUTHORIZED"
	CodePortfolioNotFound           = "PORTFOLIO_NOT_FOUND"
	CodePortfolioExists             = "PORTFOLIO_EXISTS"
	CodeLedgerInvariant             = "LEDGER_INVARIANT"
	CodeStaleRecord                 = "STALE_RECORD"
	CodeRecordLocked                = "RECORD_LOCKED"
	CodeIdempotencyKeyReused        = "IDEMPOTENCY_KEY_REUSED"
	CodeSwapExecutionFailed         = "SWAP_EXECUTION_FAILED"
	CodeTransferFailed              = "TRANSFER_FAILED"
	CodeCollaboratorRejected        = "COLLABORATOR_REJECTED"
	CodeInvalidParameter            = "INVALID_PARAMETER"
	CodeRateLimitExceeded           = "RATE_LIMIT_EXCEEDED"
	CodeInternal                    = "INTERNAL_ERROR"
	CodeDatabase                    = "DATABASE_ERROR"
	CodeCache                       = "CACHE_ERROR"
	CodeServiceUnavailable          = "SERVICE_UNAVAILABLE"
)

// Sentinels for errors.Is; matching compares codes only
var (
	ErrInvalidAmount               = &CategorizedError{Code: CodeInvalidAmount}
	ErrInvalidAllocationPercentage = &CategorizedError{Code: CodeInvalidAllocationPercentage}
	ErrInvalidTokenMint            = &CategorizedError{Code: CodeInvalidTokenMint}
	ErrInvalidAPY                  = &CategorizedError{Code: CodeInvalidAPY}
	ErrAllocationOverflow          = &CategorizedError{Code: CodeAllocationOverflow}
	ErrRebalanceInProgress         = &CategorizedError{Code: CodeRebalanceInProgress}
	ErrRebalanceTooFrequent        = &CategorizedError{Code: CodeRebalanceTooFrequent}
	ErrNoRebalanceNeeded           = &CategorizedError{Code: CodeNoRebalanceNeeded}
	ErrInsufficientBalance         = &CategorizedError{Code: CodeInsufficientBalance}
	ErrMathOverflow                = &CategorizedError{Code: CodeMathOverflow}
	ErrUnauthorized                = &CategorizedError{Code: CodeUnauthorized}
	ErrPortfolioNotFound           = &CategorizedError{Code: CodePortfolioNotFound}
	ErrPortfolioExists             = &CategorizedError{Code: CodePortfolioExists}
	ErrLedgerInvariant             = &CategorizedError{Code: CodeLedgerInvariant}
	ErrStaleRecord                 = &CategorizedError{Code: CodeStaleRecord}
	ErrRecordLocked                = &CategorizedError{Code: CodeRecordLocked}
	ErrIdempotencyKeyReused        = &CategorizedError{Code: CodeIdempotencyKeyReused}
	ErrInternal                    = &CategorizedError{Code: CodeInternal}
	ErrCache                       = &CategorizedError{Code: CodeCache}
	ErrDatabase                    = &CategorizedError{Code: CodeDatabase}
	ErrSwapExecutionFailed         = &CategorizedError{Code: CodeSwapExecutionFailed}
	ErrTransferFailed              = &CategorizedError{Code: CodeTransferFailed}
	ErrServiceUnavailable          = &CategorizedError{Code: CodeServiceUnavailable}
	ErrRateLimitExceeded           = &CategorizedError{Code: CodeRateLimitExceeded}
	ErrInvalidParameter            = &CategorizedError{Code: CodeInvalidParameter}
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code
func (e *CategorizedError) Is(target error) bool {
	t, ok := target.(*CategorizedError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Validation Errors

// NewInvalidAmountError creates an invalid amount error
func NewInvalidAmountError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAmount,
		Message:    reason,
	}
}

// NewInvalidAllocationPercentageError creates an invalid allocation percentage error
func NewInvalidAllocationPercentageError(pct types.BasisPoints) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAllocationPercentage,
		Message:    fmt.Sprintf("target percentage %d exceeds %d basis points", pct, types.MaxBasisPoints),
		Details: map[string]interface{}{
			"targetPercentage": pct,
		},
	}
}

// NewInvalidTokenMintError creates an invalid token or symbol error
func NewInvalidTokenMintError(reason, value string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidTokenMint,
		Message:    reason,
		Details: map[string]interface{}{
			"value": value,
		},
	}
}

// NewInvalidAPYError creates an invalid APY error
func NewInvalidAPYError(symbol string, apy types.BasisPoints) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidAPY,
		Message:    fmt.Sprintf("apy %d for %s exceeds %d basis points", apy, symbol, types.MaxAPY),
		Details: map[string]interface{}{
			"symbol": symbol,
			"apy":    apy,
		},
	}
}

// NewAllocationOverflowError creates an allocation overflow error
func NewAllocationOverflowError(reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeAllocationOverflow,
		Message:    reason,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// State Errors

// NewRebalanceInProgressError creates a reentrancy error
func NewRebalanceInProgressError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusConflict,
		Code:       CodeRebalanceInProgress,
		Message:    "a rebalance is already in progress",
	}
}

// NewRebalanceTooFrequentError creates a cadence error
func NewRebalanceTooFrequentError(elapsed, required int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRebalanceTooFrequent,
		Message:    fmt.Sprintf("last rebalance was %ds ago, minimum spacing is %ds", elapsed, required),
		Details: map[string]interface{}{
			"elapsedSeconds":  elapsed,
			"requiredSeconds": required,
			"retryAfter":      required - elapsed,
		},
	}
}

// NewNoRebalanceNeededError creates an error for targets within the drift threshold
func NewNoRebalanceNeededError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryState,
		StatusCode: http.StatusConflict,
		Code:       CodeNoRebalanceNeeded,
		Message:    fmt.Sprintf("no allocation drifts more than %d basis points", types.DriftThreshold),
	}
}

// Resource and Arithmetic Errors

// NewInsufficientBalanceError creates an insufficient balance error
func NewInsufficientBalanceError(asset string, available, requested uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryResource,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeInsufficientBalance,
		Message:    fmt.Sprintf("insufficient balance for %s: available %d, requested %d", asset, available, requested),
		Details: map[string]interface{}{
			"asset":     asset,
			"available": available,
			"requested": requested,
		},
	}
}

// NewMathOverflowError creates an arithmetic overflow error
func NewMathOverflowError(operation string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryArithmetic,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       CodeMathOverflow,
		Message:    fmt.Sprintf("arithmetic overflow in %s", operation),
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Authorization Errors

// NewUnauthorizedError creates an unauthorized error for a missing or invalid identity proof
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
	}
}

// NewOwnerMismatchError creates an unauthorized error for a proven identity that does not own the record
func NewOwnerMismatchError(caller string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusForbidden,
		Code:       CodeUnauthorized,
		Message:    "caller does not own this portfolio",
		Details: map[string]interface{}{
			"caller": caller,
		},
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// Record Errors

// NewPortfolioNotFoundError creates a not found error
func NewPortfolioNotFoundError(owner string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodePortfolioNotFound,
		Message:    fmt.Sprintf("portfolio not found: %s", owner),
		Details: map[string]interface{}{
			"owner": owner,
		},
	}
}

// NewPortfolioExistsError creates a conflict error for a second initialize
func NewPortfolioExistsError(owner string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodePortfolioExists,
		Message:    fmt.Sprintf("portfolio already exists: %s", owner),
		Details: map[string]interface{}{
			"owner": owner,
		},
	}
}

// NewStaleRecordError creates a conflict error for a lost optimistic write
func NewStaleRecordError(owner string, version int64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeStaleRecord,
		Message:    fmt.Sprintf("portfolio %s changed since version %d", owner, version),
		Details: map[string]interface{}{
			"owner":   owner,
			"version": version,
		},
	}
}

// NewRecordLockedError creates a conflict error when another operation holds the record
func NewRecordLockedError(owner string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeRecordLocked,
		Message:    fmt.Sprintf("portfolio %s is being modified by another operation", owner),
		Details: map[string]interface{}{
			"owner": owner,
		},
	}
}

// NewIdempotencyKeyReusedError creates a conflict error for a key already applied to another operation
func NewIdempotencyKeyReusedError(key, appliedOp string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeIdempotencyKeyReused,
		Message:    fmt.Sprintf("idempotency key %s was already used for %s", key, appliedOp),
		Details: map[string]interface{}{
			"idempotencyKey": key,
			"appliedOp":      appliedOp,
		},
	}
}

// System Errors (5xx)

// NewLedgerInvariantError creates an error for a ledger that would violate its own invariants
func NewLedgerInvariantError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeLedgerInvariant,
		Message:    message,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabase,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeCache,
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Collaborator Errors

// NewSwapExecutionError creates an error for a failed swap execution call
func NewSwapExecutionError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCollaborator,
		StatusCode: http.StatusBadGateway,
		Code:       CodeSwapExecutionFailed,
		Message:    "swap execution service failed",
		Cause:      cause,
	}
}

// NewTransferError creates an error for a failed transfer or custodian call
func NewTransferError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCollaborator,
		StatusCode: http.StatusBadGateway,
		Code:       CodeTransferFailed,
		Message:    fmt.Sprintf("transfer service failed during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewCollaboratorRejectedError creates an error for a collaborator that refused a request.
// It is a system error, so it is not retried.
func NewCollaboratorRejectedError(service string, status int, body string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusBadGateway,
		Code:       CodeCollaboratorRejected,
		Message:    fmt.Sprintf("%s rejected the request with status %d", service, status),
		Details: map[string]interface{}{
			"service":        service,
			"upstreamStatus": status,
			"body":           body,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized (possibly wrapped), return it
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	// If it's a ServiceError, convert it
	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	category, status := CategorySystem, http.StatusInternalServerError
	switch err.Code {
	case CodeInvalidAmount, CodeInvalidAllocationPercentage, CodeInvalidTokenMint, CodeInvalidAPY, CodeInvalidParameter:
		category, status = CategoryValidation, http.StatusBadRequest
	case CodeAllocationOverflow:
		category, status = CategoryValidation, http.StatusUnprocessableEntity
	case CodePortfolioNotFound:
		category, status = CategoryNotFound, http.StatusNotFound
	case CodeUnauthorized:
		category, status = CategoryAuthorization, http.StatusUnauthorized
	case CodePortfolioExists, CodeStaleRecord, CodeRecordLocked, CodeIdempotencyKeyReused:
		category, status = CategoryConflict, http.StatusConflict
	case CodeRateLimitExceeded:
		category, status = CategoryRateLimit, http.StatusTooManyRequests
	}

	return &CategorizedError{
		Category:   category,
		StatusCode: status,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryCollaborator, CategoryDatabase, CategoryCache:
		return true
	case CategoryConflict:
		return catErr.Code == CodeRecordLocked || catErr.Code == CodeStaleRecord
	case CategorySystem:
		// Some system errors are retryable
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}

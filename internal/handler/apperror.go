package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrForbidden        = &AppError{http.StatusForbidden, "FORBIDDEN", "Admin role required"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrMissingIdempotencyKey = &AppError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "Idempotency-Key header is required"}
	ErrInvalidIdempotencyKey = &AppError{http.StatusBadRequest, "INVALID_IDEMPOTENCY_KEY", "Idempotency-Key must be at most 255 characters"}
	ErrIdempotencyConflict   = &AppError{http.StatusUnprocessableEntity, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
	ErrRequestInProgress     = &AppError{http.StatusConflict, "REQUEST_IN_PROGRESS", "A request with this idempotency key is still being processed"}

	ErrInvalidAmount          = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	ErrInsufficientAvailable  = &AppError{http.StatusBadRequest, "INSUFFICIENT_AVAILABLE_BALANCE", "Insufficient available balance"}
	ErrInsufficientLocked     = &AppError{http.StatusBadRequest, "INSUFFICIENT_LOCKED_BALANCE", "Insufficient locked balance"}
	ErrBalanceNotFound        = &AppError{http.StatusNotFound, "BALANCE_NOT_FOUND", "No balance for this asset"}
	ErrPriceRequired          = &AppError{http.StatusBadRequest, "PRICE_REQUIRED", "Price is required for buy orders"}
	ErrOrderNotCancelable     = &AppError{http.StatusBadRequest, "ORDER_NOT_CANCELABLE", "Order is not open"}
	ErrInvalidWithdrawalState = &AppError{http.StatusBadRequest, "INVALID_WITHDRAWAL_STATE", "Withdrawal cannot make this transition"}
	ErrConcurrentModification = &AppError{http.StatusConflict, "CONCURRENT_MODIFICATION", "Resource was modified concurrently, please retry"}
	ErrLedgerMismatch         = &AppError{http.StatusInternalServerError, "LEDGER_MISMATCH", "Ledger does not reconcile with balance"}
)

package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

type APIResponse struct {
	Success  bool      `json:"success"`
	Data     any       `json:"data"`
	Error    *APIError `json:"error"`
	Warnings []string  `json:"warnings,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondSuccess(w http.ResponseWriter, status int, data any) {
	RespondJSON(w, status, APIResponse{
		Success: true,
		Data:    data,
		Error:   nil,
	})
}

// RespondCommitted answers a call whose state change is durable even if a
// follow-up step such as the audit write failed.
func RespondCommitted(w http.ResponseWriter, status int, data any, auditErr error) {
	resp := APIResponse{Success: true, Data: data}
	if auditErr != nil {
		resp.Warnings = []string{"audit log write failed: " + auditErr.Error()}
	}
	RespondJSON(w, status, resp)
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError

	switch {
	case errors.Is(err, domain.ErrBalanceNotFound):
		appErr = ErrBalanceNotFound
	case errors.Is(err, domain.ErrNotFound):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrNegativeAmount):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrInsufficientAvailableBalance):
		appErr = ErrInsufficientAvailable
	case errors.Is(err, domain.ErrInsufficientLockedBalance):
		appErr = ErrInsufficientLocked
	case errors.Is(err, domain.ErrPriceRequiredForBuy):
		appErr = ErrPriceRequired
	case errors.Is(err, domain.ErrOrderNotCancelable):
		appErr = ErrOrderNotCancelable
	case errors.Is(err, domain.ErrInvalidWithdrawalState):
		appErr = ErrInvalidWithdrawalState
	case errors.Is(err, domain.ErrValidation):
		RespondAppError(w, ErrValidationFailed, []FieldError{{Message: err.Error()}})
		return
	case errors.Is(err, domain.ErrConcurrentModification):
		appErr = ErrConcurrentModification
	case errors.Is(err, domain.ErrLedgerMismatch):
		slog.Error("ledger mismatch", "error", err)
		appErr = ErrLedgerMismatch
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, nil)
}

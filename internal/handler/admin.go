package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/service"
)

type balanceAdminService interface {
	Deposit(ctx context.Context, actor domain.Actor, userID uuid.UUID, asset string, amount decimal.Decimal, referenceID uuid.UUID) (*service.AdjustResult, error)
	AdminAdjustBalance(ctx context.Context, actor domain.Actor, email, asset string, signedAmount decimal.Decimal, reason string) (*service.AdjustResult, error)
	Verify(ctx context.Context, userID uuid.UUID, asset string) (*service.Reconciliation, error)
}

type AdminBalanceHandler struct {
	balances balanceAdminService
	retrier  retrier
}

func NewAdminBalanceHandler(balances balanceAdminService, r retrier) *AdminBalanceHandler {
	return &AdminBalanceHandler{balances: balances, retrier: r}
}

type adjustBalanceRequest struct {
	Email  string          `json:"email"`
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (r adjustBalanceRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Email == "" {
		errs = append(errs, FieldError{Field: "email", Message: "required"})
	}
	if r.Asset == "" {
		errs = append(errs, FieldError{Field: "asset", Message: "required"})
	}
	if r.Amount.IsZero() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be non-zero"})
	}
	if r.Reason == "" {
		errs = append(errs, FieldError{Field: "reason", Message: "required"})
	}
	return errs
}

type depositRequest struct {
	UserID      uuid.UUID       `json:"user_id"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID uuid.UUID       `json:"reference_id"`
}

func (r depositRequest) Validate() []FieldError {
	var errs []FieldError
	if r.UserID == uuid.Nil {
		errs = append(errs, FieldError{Field: "user_id", Message: "required"})
	}
	if r.Asset == "" {
		errs = append(errs, FieldError{Field: "asset", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	return errs
}

type reconciliationDTO struct {
	UserID    uuid.UUID       `json:"user_id"`
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Entries   int             `json:"entries"`
}

func (h *AdminBalanceHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req adjustBalanceRequest
	if appErr := decodeJSON(r, &req); appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	var res *service.AdjustResult
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = h.balances.AdminAdjustBalance(r.Context(), actor, req.Email, req.Asset, req.Amount, req.Reason)
		return err
	})
	if err != nil {
		log.Warn("balance adjustment failed", "email", req.Email, "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondCommitted(w, http.StatusOK, toLedgerEntryDTO(res.Entry), res.AuditErr)
}

func (h *AdminBalanceHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req depositRequest
	if appErr := decodeJSON(r, &req); appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	// A fixed reference keeps retries of this request on one deposit id.
	referenceID := req.ReferenceID
	if referenceID == uuid.Nil {
		referenceID = uuid.New()
	}

	var res *service.AdjustResult
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = h.balances.Deposit(r.Context(), actor, req.UserID, req.Asset, req.Amount, referenceID)
		return err
	})
	if err != nil {
		log.Warn("deposit failed", "user_id", req.UserID, "error", err)
		RespondDomainError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	RespondCommitted(w, status, toLedgerEntryDTO(res.Entry), res.AuditErr)
}

func (h *AdminBalanceHandler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, appErr := pathID(r, "userID")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	rec, err := h.balances.Verify(r.Context(), userID, r.PathValue("asset"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusOK, reconciliationDTO{
		UserID:    rec.UserID,
		Asset:     rec.Asset,
		Available: rec.Available,
		Locked:    rec.Locked,
		Entries:   rec.Entries,
	})
}

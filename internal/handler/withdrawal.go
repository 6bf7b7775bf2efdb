package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/withdrawal"
)

type withdrawalService interface {
	Request(ctx context.Context, in withdrawal.RequestInput) (*withdrawal.Result, error)
	Approve(ctx context.Context, id uuid.UUID, actor domain.Actor) (*withdrawal.Result, error)
	Reject(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*withdrawal.Result, error)
	Broadcast(ctx context.Context, id uuid.UUID, actor domain.Actor, txHash string) (*withdrawal.Result, error)
	Confirm(ctx context.Context, id uuid.UUID, actor domain.Actor) (*withdrawal.Result, error)
	Fail(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*withdrawal.Result, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	GetForUser(ctx context.Context, id, userID uuid.UUID) (*domain.Withdrawal, error)
	ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]domain.Withdrawal, int, error)
}

type WithdrawalHandler struct {
	withdrawals withdrawalService
	retrier     retrier
}

func NewWithdrawalHandler(withdrawals withdrawalService, r retrier) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals, retrier: r}
}

type requestWithdrawalRequest struct {
	Asset   string          `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	Fee     decimal.Decimal `json:"fee"`
	Network string          `json:"network"`
	Address string          `json:"address"`
}

func (r requestWithdrawalRequest) Validate() []FieldError {
	var errs []FieldError
	if r.Asset == "" {
		errs = append(errs, FieldError{Field: "asset", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	if r.Fee.IsNegative() {
		errs = append(errs, FieldError{Field: "fee", Message: "must not be negative"})
	}
	if r.Network == "" {
		errs = append(errs, FieldError{Field: "network", Message: "required"})
	}
	if r.Address == "" {
		errs = append(errs, FieldError{Field: "address", Message: "required"})
	}
	return errs
}

type transitionRequest struct {
	Reason string `json:"reason"`
	TxHash string `json:"tx_hash"`
}

type withdrawalDTO struct {
	ID               uuid.UUID       `json:"id"`
	UserID           uuid.UUID       `json:"user_id"`
	Asset            string          `json:"asset"`
	Network          string          `json:"network"`
	Address          string          `json:"address"`
	Amount           decimal.Decimal `json:"amount"`
	Fee              decimal.Decimal `json:"fee"`
	Status           string          `json:"status"`
	TxHash           *string         `json:"tx_hash,omitempty"`
	RejectReason     *string         `json:"reject_reason,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	ReviewedByUserID *uuid.UUID      `json:"reviewed_by_user_id,omitempty"`
	RequestedAt      time.Time       `json:"requested_at"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty"`
	BroadcastedAt    *time.Time      `json:"broadcasted_at,omitempty"`
	ConfirmedAt      *time.Time      `json:"confirmed_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
}

func toWithdrawalDTO(w *domain.Withdrawal) withdrawalDTO {
	return withdrawalDTO{
		ID:               w.ID,
		UserID:           w.UserID,
		Asset:            w.Asset,
		Network:          w.Network,
		Address:          w.Address,
		Amount:           w.Amount,
		Fee:              w.Fee,
		Status:           string(w.Status),
		TxHash:           w.TxHash,
		RejectReason:     w.RejectReason,
		FailureReason:    w.FailureReason,
		ReviewedByUserID: w.ReviewedByUserID,
		RequestedAt:      w.RequestedAt,
		ReviewedAt:       w.ReviewedAt,
		BroadcastedAt:    w.BroadcastedAt,
		ConfirmedAt:      w.ConfirmedAt,
		FailedAt:         w.FailedAt,
	}
}

func (h *WithdrawalHandler) Request(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req requestWithdrawalRequest
	if appErr := decodeJSON(r, &req); appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	var res *withdrawal.Result
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = h.withdrawals.Request(r.Context(), withdrawal.RequestInput{
			Actor:   actor,
			Asset:   req.Asset,
			Amount:  req.Amount,
			Fee:     req.Fee,
			Network: req.Network,
			Address: req.Address,
		})
		return err
	})
	if err != nil {
		log.Warn("withdrawal request failed", "error", err)
		RespondDomainError(w, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/withdrawals/%s", res.Withdrawal.ID))
	RespondCommitted(w, http.StatusCreated, toWithdrawalDTO(res.Withdrawal), res.AuditErr)
}

func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	wd, err := h.withdrawals.GetForUser(r.Context(), id, actor.UserID)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWithdrawalDTO(wd))
}

func (h *WithdrawalHandler) AdminGet(w http.ResponseWriter, r *http.Request) {
	id, appErr := pathID(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	wd, err := h.withdrawals.Get(r.Context(), id)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	RespondSuccess(w, http.StatusOK, toWithdrawalDTO(wd))
}

func (h *WithdrawalHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, fields := pagination(r)

	status := domain.WithdrawalStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = domain.WithdrawalStatusReviewPending
	}
	if !status.IsValid() {
		fields = append(fields, FieldError{Field: "status", Message: "unknown withdrawal status"})
	}
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	items, total, err := h.withdrawals.ListByStatus(r.Context(), status, limit, offset)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list withdrawals", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]withdrawalDTO, len(items))
	for i := range items {
		dtos[i] = toWithdrawalDTO(&items[i])
	}
	RespondSuccess(w, http.StatusOK, pageDTO{Items: dtos, Total: total, Limit: limit, Offset: offset})
}

// Transition serves POST /admin/withdrawals/{id}/{action}.
func (h *WithdrawalHandler) Transition(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	id, appErr := pathID(r, "id")
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req transitionRequest
	if r.ContentLength != 0 {
		if appErr := decodeJSON(r, &req); appErr != nil {
			RespondAppError(w, appErr, nil)
			return
		}
	}

	action := domain.WithdrawalAction(r.PathValue("action"))
	var call func() (*withdrawal.Result, error)
	switch action {
	case domain.WithdrawalActionApprove:
		call = func() (*withdrawal.Result, error) { return h.withdrawals.Approve(r.Context(), id, actor) }
	case domain.WithdrawalActionReject:
		call = func() (*withdrawal.Result, error) { return h.withdrawals.Reject(r.Context(), id, actor, req.Reason) }
	case domain.WithdrawalActionBroadcast:
		call = func() (*withdrawal.Result, error) { return h.withdrawals.Broadcast(r.Context(), id, actor, req.TxHash) }
	case domain.WithdrawalActionConfirm:
		call = func() (*withdrawal.Result, error) { return h.withdrawals.Confirm(r.Context(), id, actor) }
	case domain.WithdrawalActionFail:
		call = func() (*withdrawal.Result, error) { return h.withdrawals.Fail(r.Context(), id, actor, req.Reason) }
	default:
		RespondAppError(w, ErrResourceNotFound, nil)
		return
	}

	var res *withdrawal.Result
	err := retry(r.Context(), h.retrier, func() error {
		var err error
		res, err = call()
		return err
	})
	if err != nil {
		log.Warn("withdrawal transition failed",
			"withdrawal_id", id,
			"action", action,
			"error", err,
		)
		RespondDomainError(w, err)
		return
	}

	RespondCommitted(w, http.StatusOK, toWithdrawalDTO(res.Withdrawal), res.AuditErr)
}

package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
)

type walletService interface {
	CreateWallet(ctx context.Context, userID uuid.UUID, asset string) (*domain.Balance, error)
	GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	GetHistory(ctx context.Context, userID uuid.UUID, asset string, limit, offset int) ([]domain.LedgerEntry, int, error)
}

type WalletHandler struct {
	wallets walletService
}

func NewWalletHandler(wallets walletService) *WalletHandler {
	return &WalletHandler{wallets: wallets}
}

type createWalletRequest struct {
	Asset string `json:"asset"`
}

func (r createWalletRequest) Validate() []FieldError {
	var errs []FieldError
	if err := domain.ValidateAsset(domain.NormalizeAsset(r.Asset)); err != nil {
		errs = append(errs, FieldError{Field: "asset", Message: "required, at most 16 characters"})
	}
	return errs
}

type balanceDTO struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toBalanceDTO(b *domain.Balance) balanceDTO {
	return balanceDTO{
		Asset:     b.Asset,
		Available: b.Available,
		Locked:    b.Locked,
		Total:     b.Total(),
		UpdatedAt: b.UpdatedAt,
	}
}

type ledgerEntryDTO struct {
	ID            uuid.UUID       `json:"id"`
	Asset         string          `json:"asset"`
	EntryType     string          `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	LockedBefore  decimal.Decimal `json:"locked_before"`
	LockedAfter   decimal.Decimal `json:"locked_after"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   uuid.UUID       `json:"reference_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

func toLedgerEntryDTO(e *domain.LedgerEntry) ledgerEntryDTO {
	return ledgerEntryDTO{
		ID:            e.ID,
		Asset:         e.Asset,
		EntryType:     string(e.EntryType),
		Amount:        e.Amount,
		BalanceBefore: e.BalanceBefore,
		BalanceAfter:  e.BalanceAfter,
		LockedBefore:  e.LockedBefore,
		LockedAfter:   e.LockedAfter,
		ReferenceType: e.ReferenceType,
		ReferenceID:   e.ReferenceID,
		CreatedAt:     e.CreatedAt,
	}
}

func (h *WalletHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	var req createWalletRequest
	if appErr := decodeJSON(r, &req); appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}
	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	b, err := h.wallets.CreateWallet(r.Context(), actor.UserID, req.Asset)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to create wallet", "error", err)
		RespondDomainError(w, err)
		return
	}

	RespondSuccess(w, http.StatusCreated, toBalanceDTO(b))
}

func (h *WalletHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	balances, err := h.wallets.GetBalances(r.Context(), actor.UserID)
	if err != nil {
		logging.FromContext(r.Context()).Error("failed to list wallets", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]balanceDTO, len(balances))
	for i := range balances {
		dtos[i] = toBalanceDTO(&balances[i])
	}

	RespondSuccess(w, http.StatusOK, dtos)
}

func (h *WalletHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	actor, appErr := actorFromRequest(r)
	if appErr != nil {
		RespondAppError(w, appErr, nil)
		return
	}

	limit, offset, fields := pagination(r)
	if len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	entries, total, err := h.wallets.GetHistory(r.Context(), actor.UserID, r.PathValue("asset"), limit, offset)
	if err != nil {
		logging.FromContext(r.Context()).Warn("failed to read ledger", "error", err)
		RespondDomainError(w, err)
		return
	}

	dtos := make([]ledgerEntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toLedgerEntryDTO(&entries[i])
	}

	RespondSuccess(w, http.StatusOK, pageDTO{Items: dtos, Total: total, Limit: limit, Offset: offset})
}

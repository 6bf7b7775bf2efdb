package withdrawal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type withdrawalRepo interface {
	Create(ctx context.Context, tx *sql.Tx, w *domain.Withdrawal) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Withdrawal, error)
	ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]domain.Withdrawal, int, error)
	Transition(ctx context.Context, tx *sql.Tx, w *domain.Withdrawal, from domain.WithdrawalStatus) error
}

type balanceMutator interface {
	MoveToLocked(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
	MoveToAvailable(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
	ConsumeLocked(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Result is what a committed lifecycle call produced. Entry is nil for pure
// status transitions. AuditErr is set when the change committed but its
// audit event could not be recorded.
type Result struct {
	Withdrawal *domain.Withdrawal
	Entry      *domain.LedgerEntry
	AuditErr   error
}

type Lifecycle struct {
	withdrawals withdrawalRepo
	mutator     balanceMutator
	db          txRunner
	audit       audit.Recorder
	metrics     *metrics.Metrics
}

func NewLifecycle(withdrawals withdrawalRepo, mutator balanceMutator, db txRunner, recorder audit.Recorder, m *metrics.Metrics) *Lifecycle {
	return &Lifecycle{
		withdrawals: withdrawals,
		mutator:     mutator,
		db:          db,
		audit:       recorder,
		metrics:     m,
	}
}

type RequestInput struct {
	Actor   domain.Actor
	Asset   string
	Amount  decimal.Decimal
	Fee     decimal.Decimal
	Network string
	Address string
}

func validateRequest(in *RequestInput) error {
	in.Asset = domain.NormalizeAsset(in.Asset)
	in.Network = strings.TrimSpace(in.Network)
	in.Address = strings.TrimSpace(in.Address)

	if in.Actor.UserID == uuid.Nil {
		return fmt.Errorf("validateRequest: user id required: %w", domain.ErrValidation)
	}
	if err := domain.ValidateAsset(in.Asset); err != nil {
		return fmt.Errorf("validateRequest: %w", err)
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("validateRequest: amount: %w", domain.ErrNegativeAmount)
	}
	if in.Fee.IsNegative() {
		return fmt.Errorf("validateRequest: fee must not be negative: %w", domain.ErrValidation)
	}
	if err := domain.ValidatePrecision("amount", in.Amount); err != nil {
		return fmt.Errorf("validateRequest: %w", err)
	}
	if err := domain.ValidatePrecision("fee", in.Fee); err != nil {
		return fmt.Errorf("validateRequest: %w", err)
	}
	if in.Network == "" {
		return fmt.Errorf("validateRequest: network required: %w", domain.ErrValidation)
	}
	if in.Address == "" {
		return fmt.Errorf("validateRequest: address required: %w", domain.ErrValidation)
	}
	return nil
}

// Request locks amount+fee and records the withdrawal in REVIEW_PENDING.
func (l *Lifecycle) Request(ctx context.Context, in RequestInput) (*Result, error) {
	if err := validateRequest(&in); err != nil {
		l.metrics.IncWithdrawalTransition("request", "rejected")
		return nil, fmt.Errorf("Request: %w", err)
	}

	now := time.Now().UTC()
	w := &domain.Withdrawal{
		ID:          uuid.New(),
		UserID:      in.Actor.UserID,
		Asset:       in.Asset,
		Network:     in.Network,
		Address:     in.Address,
		Amount:      in.Amount,
		Fee:         in.Fee,
		Status:      domain.WithdrawalStatusReviewPending,
		RequestedAt: now,
		UpdatedAt:   now,
	}

	var entry *domain.LedgerEntry
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = l.mutator.MoveToLocked(ctx, tx, balance.Mutation{
			UserID:        w.UserID,
			Asset:         w.Asset,
			Amount:        w.Collateral(),
			EntryType:     domain.EntryTypeWithdrawal,
			ReferenceType: domain.RefWithdrawalRequest,
			ReferenceID:   w.ID,
		})
		if err != nil {
			return err
		}
		return l.withdrawals.Create(ctx, tx, w)
	})
	l.metrics.IncWithdrawalTransition("request", metrics.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("Request: %w", err)
	}

	ctx, log := logging.With(ctx, "withdrawal_id", w.ID)
	log.Info("withdrawal requested",
		"user_id", w.UserID,
		"asset", w.Asset,
		"amount", w.Amount,
		"fee", w.Fee,
		"network", w.Network,
	)

	res := &Result{Withdrawal: w, Entry: entry}
	res.AuditErr = audit.Record(ctx, l.audit, audit.NewEvent(in.Actor, domain.AuditActionWithdrawalRequest, domain.AuditTargetWithdrawal, w.ID.String(),
		l.metadata(w, "", w.Status, entry, nil)))
	return res, nil
}

func (l *Lifecycle) Approve(ctx context.Context, id uuid.UUID, actor domain.Actor) (*Result, error) {
	res, err := l.transition(ctx, id, actor, domain.WithdrawalActionApprove, domain.AuditActionWithdrawalApprove, nil,
		func(_ *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error) {
			w.ReviewedByUserID = &actor.UserID
			w.ReviewedAt = &now
			return nil, nil
		})
	if err != nil {
		return nil, fmt.Errorf("Approve: %w", err)
	}
	return res, nil
}

// Reject returns amount+fee to available.
func (l *Lifecycle) Reject(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		l.metrics.IncWithdrawalTransition(string(domain.WithdrawalActionReject), "rejected")
		return nil, fmt.Errorf("Reject: reason required: %w", domain.ErrValidation)
	}

	res, err := l.transition(ctx, id, actor, domain.WithdrawalActionReject, domain.AuditActionWithdrawalReject,
		map[string]any{"reason": reason},
		func(tx *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error) {
			w.RejectReason = &reason
			w.ReviewedByUserID = &actor.UserID
			w.ReviewedAt = &now
			return l.mutator.MoveToAvailable(ctx, tx, balance.Mutation{
				UserID:        w.UserID,
				Asset:         w.Asset,
				Amount:        w.Collateral(),
				EntryType:     domain.EntryTypeAdjustment,
				ReferenceType: domain.RefWithdrawalRejectUnlock,
				ReferenceID:   w.ID,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("Reject: %w", err)
	}
	return res, nil
}

func (l *Lifecycle) Broadcast(ctx context.Context, id uuid.UUID, actor domain.Actor, txHash string) (*Result, error) {
	txHash = strings.TrimSpace(txHash)
	if txHash == "" {
		l.metrics.IncWithdrawalTransition(string(domain.WithdrawalActionBroadcast), "rejected")
		return nil, fmt.Errorf("Broadcast: tx hash required: %w", domain.ErrValidation)
	}

	res, err := l.transition(ctx, id, actor, domain.WithdrawalActionBroadcast, domain.AuditActionWithdrawalBroadcast,
		map[string]any{"tx_hash": txHash},
		func(_ *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error) {
			w.TxHash = &txHash
			w.BroadcastedAt = &now
			return nil, nil
		})
	if err != nil {
		return nil, fmt.Errorf("Broadcast: %w", err)
	}
	return res, nil
}

// Confirm removes amount+fee from locked permanently. It is not idempotent:
// confirming twice fails with ErrInvalidWithdrawalState.
func (l *Lifecycle) Confirm(ctx context.Context, id uuid.UUID, actor domain.Actor) (*Result, error) {
	res, err := l.transition(ctx, id, actor, domain.WithdrawalActionConfirm, domain.AuditActionWithdrawalConfirm, nil,
		func(tx *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error) {
			w.ConfirmedAt = &now
			return l.mutator.ConsumeLocked(ctx, tx, balance.Mutation{
				UserID:        w.UserID,
				Asset:         w.Asset,
				Amount:        w.Collateral(),
				EntryType:     domain.EntryTypeTradeSettlement,
				ReferenceType: domain.RefWithdrawalConfirm,
				ReferenceID:   w.ID,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}
	return res, nil
}

// Fail returns amount+fee to available after a broadcast did not land.
func (l *Lifecycle) Fail(ctx context.Context, id uuid.UUID, actor domain.Actor, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		l.metrics.IncWithdrawalTransition(string(domain.WithdrawalActionFail), "rejected")
		return nil, fmt.Errorf("Fail: reason required: %w", domain.ErrValidation)
	}

	res, err := l.transition(ctx, id, actor, domain.WithdrawalActionFail, domain.AuditActionWithdrawalFail,
		map[string]any{"reason": reason},
		func(tx *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error) {
			w.FailureReason = &reason
			w.FailedAt = &now
			return l.mutator.MoveToAvailable(ctx, tx, balance.Mutation{
				UserID:        w.UserID,
				Asset:         w.Asset,
				Amount:        w.Collateral(),
				EntryType:     domain.EntryTypeAdjustment,
				ReferenceType: domain.RefWithdrawalFailedUnlock,
				ReferenceID:   w.ID,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("Fail: %w", err)
	}
	return res, nil
}

type applyFunc func(tx *sql.Tx, w *domain.Withdrawal, now time.Time) (*domain.LedgerEntry, error)

// transition runs one guarded state change: lock the row, check the state
// table, apply the balance effect, then write the new status conditioned on
// the status that was read. The audit event is recorded after commit.
func (l *Lifecycle) transition(
	ctx context.Context,
	id uuid.UUID,
	actor domain.Actor,
	action domain.WithdrawalAction,
	auditAction string,
	extra map[string]any,
	apply applyFunc,
) (*Result, error) {
	var (
		w     *domain.Withdrawal
		from  domain.WithdrawalStatus
		entry *domain.LedgerEntry
	)
	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = l.withdrawals.GetForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}

		from = w.Status
		to, err := domain.NextStatus(from, action)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entry, err = apply(tx, w, now)
		if err != nil {
			return err
		}

		w.Status = to
		w.UpdatedAt = now
		return l.withdrawals.Transition(ctx, tx, w, from)
	})
	l.metrics.IncWithdrawalTransition(string(action), metrics.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("transition: %s %s: %w", action, id, err)
	}

	ctx, log := logging.With(ctx, "withdrawal_id", w.ID)
	log.Info("withdrawal transitioned",
		"action", action,
		"actor_user_id", actor.UserID,
		"previous_status", from,
		"next_status", w.Status,
	)

	res := &Result{Withdrawal: w, Entry: entry}
	res.AuditErr = audit.Record(ctx, l.audit, audit.NewEvent(actor, auditAction, domain.AuditTargetWithdrawal, w.ID.String(),
		l.metadata(w, from, w.Status, entry, extra)))
	return res, nil
}

func (l *Lifecycle) metadata(w *domain.Withdrawal, from, to domain.WithdrawalStatus, entry *domain.LedgerEntry, extra map[string]any) map[string]any {
	md := map[string]any{
		"user_id":     w.UserID.String(),
		"asset":       w.Asset,
		"amount":      w.Amount.String(),
		"fee":         w.Fee.String(),
		"next_status": string(to),
	}
	if from != "" {
		md["previous_status"] = string(from)
	}
	if entry != nil {
		md["ledger_entry_id"] = entry.ID.String()
		md["entry_type"] = string(entry.EntryType)
	}
	for k, v := range extra {
		md[k] = v
	}
	return md
}

func (l *Lifecycle) Get(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	w, err := l.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return w, nil
}

// GetForUser hides withdrawals owned by someone else behind ErrNotFound.
func (l *Lifecycle) GetForUser(ctx context.Context, id, userID uuid.UUID) (*domain.Withdrawal, error) {
	w, err := l.withdrawals.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("GetForUser: %w", err)
	}
	if w.UserID != userID {
		return nil, fmt.Errorf("GetForUser: %w", domain.ErrNotFound)
	}
	return w, nil
}

// ListByStatus pages through the review queue, oldest request first.
func (l *Lifecycle) ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]domain.Withdrawal, int, error) {
	if !status.IsValid() {
		return nil, 0, fmt.Errorf("ListByStatus: status %q: %w", status, domain.ErrValidation)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	withdrawals, total, err := l.withdrawals.ListByStatus(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByStatus: %w", err)
	}
	return withdrawals, total, nil
}

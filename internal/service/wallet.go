package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type balanceRepo interface {
	Get(ctx context.Context, userID uuid.UUID, asset string) (*domain.Balance, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error)
	GetInTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) (*domain.Balance, error)
	Ensure(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) error
}

type ledgerRepo interface {
	ListByUserAsset(ctx context.Context, userID uuid.UUID, asset string, limit, offset int) ([]domain.LedgerEntry, int, error)
	HistoryInTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) ([]domain.LedgerEntry, error)
	GetByReference(ctx context.Context, referenceID uuid.UUID) ([]domain.LedgerEntry, error)
}

type userRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

type adjuster interface {
	Adjust(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ReadSnapshot(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// AdjustResult carries the committed ledger entry and any audit failure
// that happened after commit. Replayed is set when the entry was written by
// an earlier call with the same reference.
type AdjustResult struct {
	Entry    *domain.LedgerEntry
	AuditErr error
	Replayed bool
}

// Reconciliation is the outcome of replaying a wallet's ledger.
type Reconciliation struct {
	UserID    uuid.UUID
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	Entries   int
}

type WalletService struct {
	balances balanceRepo
	ledger   ledgerRepo
	users    userRepo
	mutator  adjuster
	db       txRunner
	audit    audit.Recorder
}

func NewWalletService(balances balanceRepo, ledger ledgerRepo, users userRepo, mutator adjuster, db txRunner, recorder audit.Recorder) *WalletService {
	return &WalletService{
		balances: balances,
		ledger:   ledger,
		users:    users,
		mutator:  mutator,
		db:       db,
		audit:    recorder,
	}
}

// CreateWallet makes sure a zero balance row exists for the pair. Calling
// it for an existing wallet returns the wallet unchanged.
func (s *WalletService) CreateWallet(ctx context.Context, userID uuid.UUID, asset string) (*domain.Balance, error) {
	log := logging.FromContext(ctx)

	asset = domain.NormalizeAsset(asset)
	if err := domain.ValidateAsset(asset); err != nil {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return s.balances.Ensure(ctx, tx, userID, asset)
	})
	if err != nil {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	b, err := s.balances.Get(ctx, userID, asset)
	if err != nil {
		return nil, fmt.Errorf("CreateWallet: %w", err)
	}

	log.Info("wallet ready", "user_id", userID, "asset", asset)
	return b, nil
}

// Deposit credits available. A nil referenceID gets a fresh one. Repeating a
// deposit with the same reference returns the original entry unchanged.
func (s *WalletService) Deposit(ctx context.Context, actor domain.Actor, userID uuid.UUID, asset string, amount decimal.Decimal, referenceID uuid.UUID) (*AdjustResult, error) {
	log := logging.FromContext(ctx)

	if !amount.IsPositive() {
		return nil, fmt.Errorf("Deposit: %w", domain.ErrNegativeAmount)
	}
	if referenceID == uuid.Nil {
		referenceID = uuid.New()
	}

	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}

	existing, err := s.findDeposit(ctx, userID, asset, amount, referenceID)
	if err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}
	if existing != nil {
		log.Info("idempotent replay", "reference_id", referenceID, "ledger_entry_id", existing.ID)
		return &AdjustResult{Entry: existing, Replayed: true}, nil
	}

	var entry *domain.LedgerEntry
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = s.mutator.Adjust(ctx, tx, balance.Mutation{
			UserID:        userID,
			Asset:         asset,
			Amount:        amount,
			EntryType:     domain.EntryTypeDeposit,
			ReferenceType: domain.RefDeposit,
			ReferenceID:   referenceID,
		})
		return err
	})
	if errors.Is(err, domain.ErrConcurrentModification) {
		// A peer may have credited the same reference between our check and insert.
		existing, findErr := s.findDeposit(ctx, userID, asset, amount, referenceID)
		if findErr != nil {
			return nil, fmt.Errorf("Deposit: %w", findErr)
		}
		if existing != nil {
			log.Info("idempotent replay (race)", "reference_id", referenceID, "ledger_entry_id", existing.ID)
			return &AdjustResult{Entry: existing, Replayed: true}, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("Deposit: %w", err)
	}

	log.Info("deposit credited",
		"user_id", userID,
		"asset", entry.Asset,
		"amount", amount,
		"reference_id", referenceID,
	)

	res := &AdjustResult{Entry: entry}
	res.AuditErr = audit.Record(ctx, s.audit, audit.NewEvent(actor, domain.AuditActionBalanceDeposit, domain.AuditTargetBalance, balanceTarget(userID, entry.Asset), map[string]any{
		"amount":          amount.String(),
		"reference_id":    referenceID.String(),
		"ledger_entry_id": entry.ID.String(),
		"balance_after":   entry.BalanceAfter.String(),
	}))
	return res, nil
}

// findDeposit returns the deposit already booked under referenceID, or nil.
// A reference reused for a different credit is rejected.
func (s *WalletService) findDeposit(ctx context.Context, userID uuid.UUID, asset string, amount decimal.Decimal, referenceID uuid.UUID) (*domain.LedgerEntry, error) {
	entries, err := s.ledger.GetByReference(ctx, referenceID)
	if err != nil {
		return nil, fmt.Errorf("findDeposit: %w", err)
	}
	for i := range entries {
		e := &entries[i]
		if e.EntryType != domain.EntryTypeDeposit || e.ReferenceType != domain.RefDeposit {
			continue
		}
		if e.UserID != userID || e.Asset != domain.NormalizeAsset(asset) || !e.Amount.Equal(amount) {
			return nil, fmt.Errorf("findDeposit: reference %s already credited %s %s to another request: %w",
				referenceID, e.Amount, e.Asset, domain.ErrValidation)
		}
		return e, nil
	}
	return nil, nil
}

// AdminAdjustBalance applies a signed correction to the available balance of
// the user registered under email.
func (s *WalletService) AdminAdjustBalance(ctx context.Context, actor domain.Actor, email, asset string, signedAmount decimal.Decimal, reason string) (*AdjustResult, error) {
	log := logging.FromContext(ctx)

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("AdminAdjustBalance: reason required: %w", domain.ErrValidation)
	}
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("AdminAdjustBalance: email required: %w", domain.ErrValidation)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("AdminAdjustBalance: %w", err)
	}

	adjustmentID := uuid.New()
	var entry *domain.LedgerEntry
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = s.mutator.Adjust(ctx, tx, balance.Mutation{
			UserID:        user.ID,
			Asset:         asset,
			Amount:        signedAmount,
			EntryType:     domain.EntryTypeAdjustment,
			ReferenceType: domain.RefAdminAdjustment,
			ReferenceID:   adjustmentID,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("AdminAdjustBalance: %w", err)
	}

	log.Info("balance adjusted",
		"admin_user_id", actor.UserID,
		"user_id", user.ID,
		"asset", entry.Asset,
		"amount", signedAmount,
		"adjustment_id", adjustmentID,
	)

	res := &AdjustResult{Entry: entry}
	res.AuditErr = audit.Record(ctx, s.audit, audit.NewEvent(actor, domain.AuditActionBalanceAdjust, domain.AuditTargetBalance, balanceTarget(user.ID, entry.Asset), map[string]any{
		"email":           user.Email,
		"amount":          signedAmount.String(),
		"reason":          reason,
		"adjustment_id":   adjustmentID.String(),
		"ledger_entry_id": entry.ID.String(),
		"balance_before":  entry.BalanceBefore.String(),
		"balance_after":   entry.BalanceAfter.String(),
	}))
	return res, nil
}

func (s *WalletService) GetBalances(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	balances, err := s.balances.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("GetBalances: %w", err)
	}
	return balances, nil
}

func (s *WalletService) GetHistory(ctx context.Context, userID uuid.UUID, asset string, limit, offset int) ([]domain.LedgerEntry, int, error) {
	asset = domain.NormalizeAsset(asset)
	if err := domain.ValidateAsset(asset); err != nil {
		return nil, 0, fmt.Errorf("GetHistory: %w", err)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := s.ledger.ListByUserAsset(ctx, userID, asset, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("GetHistory: %w", err)
	}
	return entries, total, nil
}

// Verify replays the wallet's ledger from zero and checks it lands on the
// stored balance. Row and history are read from one snapshot so a mutation
// committing in between cannot show up on only one side.
func (s *WalletService) Verify(ctx context.Context, userID uuid.UUID, asset string) (*Reconciliation, error) {
	log := logging.FromContext(ctx)

	asset = domain.NormalizeAsset(asset)
	var (
		b       *domain.Balance
		entries []domain.LedgerEntry
	)
	err := s.db.ReadSnapshot(ctx, func(tx *sql.Tx) error {
		var err error
		if b, err = s.balances.GetInTx(ctx, tx, userID, asset); err != nil {
			return err
		}
		entries, err = s.ledger.HistoryInTx(ctx, tx, userID, asset)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Verify: %w", err)
	}

	available, locked, err := domain.Replay(entries)
	if err != nil {
		log.Error("ledger replay failed", "user_id", userID, "asset", asset, "error", err)
		return nil, fmt.Errorf("Verify: %w", err)
	}

	if !available.Equal(b.Available) || !locked.Equal(b.Locked) {
		log.Error("ledger does not match balance",
			"user_id", userID,
			"asset", asset,
			"replayed_available", available,
			"replayed_locked", locked,
			"stored_available", b.Available,
			"stored_locked", b.Locked,
		)
		return nil, fmt.Errorf("Verify: replayed %s/%s, stored %s/%s: %w",
			available, locked, b.Available, b.Locked, domain.ErrLedgerMismatch)
	}

	return &Reconciliation{
		UserID:    userID,
		Asset:     asset,
		Available: available,
		Locked:    locked,
		Entries:   len(entries),
	}, nil
}

func balanceTarget(userID uuid.UUID, asset string) string {
	return userID.String() + "/" + asset
}

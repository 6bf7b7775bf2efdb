package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

type balanceRepo interface {
	Ensure(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) error
	GetForUpdate(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) (*domain.Balance, error)
	Update(ctx context.Context, tx *sql.Tx, b *domain.Balance) error
}

type ledgerRepo interface {
	Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error
}

// Mutation describes one balance movement. Amount is a signed delta for
// Adjust and a positive magnitude for the other operations.
type Mutation struct {
	UserID        uuid.UUID
	Asset         string
	Amount        decimal.Decimal
	EntryType     domain.EntryType
	ReferenceType string
	ReferenceID   uuid.UUID
}

// Entry types each operation may record. Anything else would make the
// ledger impossible to replay.
var allowedEntryTypes = map[string][]domain.EntryType{
	"Adjust":          {domain.EntryTypeDeposit, domain.EntryTypeAdjustment},
	"MoveToLocked":    {domain.EntryTypeOrderLock, domain.EntryTypeWithdrawal},
	"MoveToAvailable": {domain.EntryTypeOrderUnlock, domain.EntryTypeAdjustment},
	"ConsumeLocked":   {domain.EntryTypeTradeSettlement},
}

// Mutator applies balance movements inside a caller-owned transaction. Each
// successful call updates exactly one balance row and appends exactly one
// ledger entry; the caller commits or rolls back both.
type Mutator struct {
	balances balanceRepo
	ledger   ledgerRepo
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewMutator(balances balanceRepo, ledger ledgerRepo, m *metrics.Metrics) *Mutator {
	return &Mutator{
		balances: balances,
		ledger:   ledger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Adjust adds a signed delta to available. A positive delta creates the
// balance row if it does not exist yet.
func (m *Mutator) Adjust(ctx context.Context, tx *sql.Tx, mut Mutation) (*domain.LedgerEntry, error) {
	return m.observe(ctx, "Adjust", mut, func(mut Mutation) (*domain.LedgerEntry, error) {
		if mut.Amount.IsZero() {
			return nil, fmt.Errorf("Adjust: delta must be non-zero: %w", domain.ErrNegativeAmount)
		}

		b, err := m.load(ctx, tx, mut, mut.Amount.IsPositive())
		if err != nil {
			return nil, fmt.Errorf("Adjust: %w", err)
		}

		next, err := b.Apply(mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("Adjust: %w", err)
		}

		entry, err := m.commit(ctx, tx, mut, b, &next, mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("Adjust: %w", err)
		}
		return entry, nil
	})
}

// MoveToLocked moves amount from available to locked.
func (m *Mutator) MoveToLocked(ctx context.Context, tx *sql.Tx, mut Mutation) (*domain.LedgerEntry, error) {
	return m.observe(ctx, "MoveToLocked", mut, func(mut Mutation) (*domain.LedgerEntry, error) {
		if !mut.Amount.IsPositive() {
			return nil, fmt.Errorf("MoveToLocked: %w", domain.ErrNegativeAmount)
		}

		b, err := m.load(ctx, tx, mut, false)
		if err != nil {
			return nil, fmt.Errorf("MoveToLocked: %w", err)
		}

		next, err := b.Lock(mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("MoveToLocked: %w", err)
		}

		entry, err := m.commit(ctx, tx, mut, b, &next, mut.Amount.Neg())
		if err != nil {
			return nil, fmt.Errorf("MoveToLocked: %w", err)
		}
		return entry, nil
	})
}

// MoveToAvailable moves amount from locked back to available.
func (m *Mutator) MoveToAvailable(ctx context.Context, tx *sql.Tx, mut Mutation) (*domain.LedgerEntry, error) {
	return m.observe(ctx, "MoveToAvailable", mut, func(mut Mutation) (*domain.LedgerEntry, error) {
		if !mut.Amount.IsPositive() {
			return nil, fmt.Errorf("MoveToAvailable: %w", domain.ErrNegativeAmount)
		}

		b, err := m.load(ctx, tx, mut, false)
		if err != nil {
			return nil, fmt.Errorf("MoveToAvailable: %w", err)
		}

		next, err := b.Unlock(mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("MoveToAvailable: %w", err)
		}

		entry, err := m.commit(ctx, tx, mut, b, &next, mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("MoveToAvailable: %w", err)
		}
		return entry, nil
	})
}

// ConsumeLocked removes amount from locked for good. Available is untouched,
// so the entry's balance_before equals its balance_after.
func (m *Mutator) ConsumeLocked(ctx context.Context, tx *sql.Tx, mut Mutation) (*domain.LedgerEntry, error) {
	return m.observe(ctx, "ConsumeLocked", mut, func(mut Mutation) (*domain.LedgerEntry, error) {
		if !mut.Amount.IsPositive() {
			return nil, fmt.Errorf("ConsumeLocked: %w", domain.ErrNegativeAmount)
		}

		b, err := m.load(ctx, tx, mut, false)
		if err != nil {
			return nil, fmt.Errorf("ConsumeLocked: %w", err)
		}

		next, err := b.Consume(mut.Amount)
		if err != nil {
			return nil, fmt.Errorf("ConsumeLocked: %w", err)
		}

		entry, err := m.commit(ctx, tx, mut, b, &next, mut.Amount.Neg())
		if err != nil {
			return nil, fmt.Errorf("ConsumeLocked: %w", err)
		}
		return entry, nil
	})
}

func (m *Mutator) observe(ctx context.Context, op string, mut Mutation, fn func(Mutation) (*domain.LedgerEntry, error)) (*domain.LedgerEntry, error) {
	start := time.Now()

	var (
		entry *domain.LedgerEntry
		err   error
	)
	if err = validate(op, &mut); err == nil {
		entry, err = fn(mut)
	}

	m.metrics.ObserveMutation(op, string(mut.EntryType), metrics.Outcome(err), time.Since(start))

	if err != nil {
		logging.FromContext(ctx).Debug("balance mutation rejected",
			"op", op,
			"user_id", mut.UserID,
			"asset", mut.Asset,
			"amount", mut.Amount,
			"error", err,
		)
		return nil, err
	}
	return entry, nil
}

func validate(op string, mut *Mutation) error {
	mut.Asset = domain.NormalizeAsset(mut.Asset)
	if err := domain.ValidateAsset(mut.Asset); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if mut.UserID == uuid.Nil {
		return fmt.Errorf("%s: user id required: %w", op, domain.ErrValidation)
	}
	if err := domain.ValidatePrecision("amount", mut.Amount); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !mut.EntryType.IsValid() {
		return fmt.Errorf("%s: unknown entry type %q: %w", op, mut.EntryType, domain.ErrValidation)
	}
	if !slices.Contains(allowedEntryTypes[op], mut.EntryType) {
		return fmt.Errorf("%s: entry type %s not allowed: %w", op, mut.EntryType, domain.ErrValidation)
	}
	if mut.ReferenceType == "" {
		return fmt.Errorf("%s: reference type required: %w", op, domain.ErrValidation)
	}
	return nil
}

// load locks the balance row. With create set, a missing row is inserted at
// zero first so that a credit can land on a fresh wallet.
func (m *Mutator) load(ctx context.Context, tx *sql.Tx, mut Mutation, create bool) (*domain.Balance, error) {
	if create {
		if err := m.balances.Ensure(ctx, tx, mut.UserID, mut.Asset); err != nil {
			return nil, fmt.Errorf("load: %w", err)
		}
	}

	b, err := m.balances.GetForUpdate(ctx, tx, mut.UserID, mut.Asset)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceNotFound) {
			return nil, fmt.Errorf("load: %s for %s: %w", mut.Asset, mut.UserID, domain.ErrBalanceNotFound)
		}
		return nil, fmt.Errorf("load: %w", err)
	}
	return b, nil
}

func (m *Mutator) commit(ctx context.Context, tx *sql.Tx, mut Mutation, before *domain.Balance, after *domain.Balance, amount decimal.Decimal) (*domain.LedgerEntry, error) {
	if err := after.Validate(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	entry := &domain.LedgerEntry{
		ID:            uuid.New(),
		UserID:        mut.UserID,
		Asset:         mut.Asset,
		EntryType:     mut.EntryType,
		Amount:        amount,
		BalanceBefore: before.Available,
		BalanceAfter:  after.Available,
		LockedBefore:  before.Locked,
		LockedAfter:   after.Locked,
		ReferenceType: mut.ReferenceType,
		ReferenceID:   mut.ReferenceID,
		CreatedAt:     m.now(),
	}
	// Replay must be able to reproduce every row we write.
	if err := entry.CheckSnapshots(); err != nil {
		if errors.Is(err, domain.ErrValidation) {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return nil, fmt.Errorf("commit: %v: %w", err, domain.ErrValidation)
	}

	if err := m.balances.Update(ctx, tx, after); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := m.ledger.Create(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("commit: ledger: %w", err)
	}

	logging.FromContext(ctx).Debug("balance mutated",
		"entry_id", entry.ID,
		"entry_type", entry.EntryType,
		"user_id", entry.UserID,
		"asset", entry.Asset,
		"amount", entry.Amount,
		"available", after.Available,
		"locked", after.Locked,
	)
	return entry, nil
}

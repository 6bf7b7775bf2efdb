package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryTypeDeposit         EntryType = "DEPOSIT"
	EntryTypeWithdrawal      EntryType = "WITHDRAWAL"
	EntryTypeOrderLock       EntryType = "ORDER_LOCK"
	EntryTypeOrderUnlock     EntryType = "ORDER_UNLOCK"
	EntryTypeTradeSettlement EntryType = "TRADE_SETTLEMENT"
	EntryTypeAdjustment      EntryType = "ADJUSTMENT"
)

func (t EntryType) IsValid() bool {
	switch t {
	case EntryTypeDeposit, EntryTypeWithdrawal, EntryTypeOrderLock,
		EntryTypeOrderUnlock, EntryTypeTradeSettlement, EntryTypeAdjustment:
		return true
	}
	return false
}

const (
	RefOrder                  = "ORDER"
	RefWithdrawalRequest      = "WITHDRAWAL_REQUEST"
	RefWithdrawalRejectUnlock = "WITHDRAWAL_REJECT_UNLOCK"
	RefWithdrawalFailedUnlock = "WITHDRAWAL_FAILED_UNLOCK"
	RefWithdrawalConfirm      = "WITHDRAWAL_CONFIRM"
	RefAdminAdjustment        = "ADMIN_ADJUSTMENT"
	RefDeposit                = "DEPOSIT"
)

// LedgerEntry records one balance movement. Amount is the signed change to
// available, except for TRADE_SETTLEMENT where it is the signed change to locked.
type LedgerEntry struct {
	ID            uuid.UUID
	Seq           int64
	UserID        uuid.UUID
	Asset         string
	EntryType     EntryType
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	LockedBefore  decimal.Decimal
	LockedAfter   decimal.Decimal
	ReferenceType string
	ReferenceID   uuid.UUID
	CreatedAt     time.Time
}

// AvailableDelta is the change this entry made to the available balance.
func (e LedgerEntry) AvailableDelta() (decimal.Decimal, error) {
	switch e.EntryType {
	case EntryTypeDeposit, EntryTypeWithdrawal, EntryTypeOrderLock,
		EntryTypeOrderUnlock, EntryTypeAdjustment:
		return e.Amount, nil
	case EntryTypeTradeSettlement:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("AvailableDelta: unknown entry type %q: %w", e.EntryType, ErrValidation)
	}
}

// LockedDelta is the change this entry made to the locked balance. An
// ADJUSTMENT only touches locked when it releases a withdrawal hold.
func (e LedgerEntry) LockedDelta() (decimal.Decimal, error) {
	switch e.EntryType {
	case EntryTypeOrderLock, EntryTypeOrderUnlock, EntryTypeWithdrawal:
		return e.Amount.Neg(), nil
	case EntryTypeTradeSettlement:
		return e.Amount, nil
	case EntryTypeDeposit:
		return decimal.Zero, nil
	case EntryTypeAdjustment:
		switch e.ReferenceType {
		case RefWithdrawalRejectUnlock, RefWithdrawalFailedUnlock:
			return e.Amount.Neg(), nil
		case RefAdminAdjustment:
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("LockedDelta: adjustment with reference %q: %w", e.ReferenceType, ErrValidation)
	default:
		return decimal.Zero, fmt.Errorf("LockedDelta: unknown entry type %q: %w", e.EntryType, ErrValidation)
	}
}

// CheckSnapshots reports whether the entry's before/after columns differ by
// exactly the deltas its type and reference imply.
func (e LedgerEntry) CheckSnapshots() error {
	da, err := e.AvailableDelta()
	if err != nil {
		return err
	}
	dl, err := e.LockedDelta()
	if err != nil {
		return err
	}
	if !e.BalanceBefore.Add(da).Equal(e.BalanceAfter) || !e.LockedBefore.Add(dl).Equal(e.LockedAfter) {
		return fmt.Errorf("entry %s (%s/%s) moves %s/%s to %s/%s: %w",
			e.ID, e.EntryType, e.ReferenceType, e.BalanceBefore, e.LockedBefore,
			e.BalanceAfter, e.LockedAfter, ErrLedgerMismatch)
	}
	return nil
}

// Replay folds entries (in commit order) starting from a zero balance and
// checks that every entry's recorded before/after values line up.
func Replay(entries []LedgerEntry) (available, locked decimal.Decimal, err error) {
	available, locked = decimal.Zero, decimal.Zero
	for i, e := range entries {
		if !e.BalanceBefore.Equal(available) || !e.LockedBefore.Equal(locked) {
			return available, locked, fmt.Errorf("Replay: entry %d (%s) starts at %s/%s, expected %s/%s: %w",
				i, e.ID, e.BalanceBefore, e.LockedBefore, available, locked, ErrLedgerMismatch)
		}

		da, err := e.AvailableDelta()
		if err != nil {
			return available, locked, fmt.Errorf("Replay: %w", err)
		}
		dl, err := e.LockedDelta()
		if err != nil {
			return available, locked, fmt.Errorf("Replay: %w", err)
		}

		available = available.Add(da)
		locked = locked.Add(dl)

		if !e.BalanceAfter.Equal(available) || !e.LockedAfter.Equal(locked) {
			return available, locked, fmt.Errorf("Replay: entry %d (%s) ends at %s/%s, computed %s/%s: %w",
				i, e.ID, e.BalanceAfter, e.LockedAfter, available, locked, ErrLedgerMismatch)
		}
		if available.IsNegative() || locked.IsNegative() {
			return available, locked, fmt.Errorf("Replay: entry %d (%s) drives balance negative: %w", i, e.ID, ErrLedgerMismatch)
		}
	}
	return available, locked, nil
}

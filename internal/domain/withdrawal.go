package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalStatusRequested     WithdrawalStatus = "REQUESTED"
	WithdrawalStatusReviewPending WithdrawalStatus = "REVIEW_PENDING"
	WithdrawalStatusApproved      WithdrawalStatus = "APPROVED"
	WithdrawalStatusRejected      WithdrawalStatus = "REJECTED"
	WithdrawalStatusBroadcasted   WithdrawalStatus = "BROADCASTED"
	WithdrawalStatusConfirmed     WithdrawalStatus = "CONFIRMED"
	WithdrawalStatusFailed        WithdrawalStatus = "FAILED"
)

func (s WithdrawalStatus) IsValid() bool {
	switch s {
	case WithdrawalStatusRequested, WithdrawalStatusReviewPending, WithdrawalStatusApproved,
		WithdrawalStatusRejected, WithdrawalStatusBroadcasted, WithdrawalStatusConfirmed,
		WithdrawalStatusFailed:
		return true
	}
	return false
}

func (s WithdrawalStatus) IsTerminal() bool {
	switch s {
	case WithdrawalStatusRejected, WithdrawalStatusConfirmed, WithdrawalStatusFailed:
		return true
	}
	return false
}

type WithdrawalAction string

const (
	WithdrawalActionApprove   WithdrawalAction = "approve"
	WithdrawalActionReject    WithdrawalAction = "reject"
	WithdrawalActionBroadcast WithdrawalAction = "broadcast"
	WithdrawalActionConfirm   WithdrawalAction = "confirm"
	WithdrawalActionFail      WithdrawalAction = "fail"
)

type withdrawalTransition struct {
	from []WithdrawalStatus
	to   WithdrawalStatus
}

var withdrawalTransitions = map[WithdrawalAction]withdrawalTransition{
	WithdrawalActionApprove: {
		from: []WithdrawalStatus{WithdrawalStatusRequested, WithdrawalStatusReviewPending},
		to:   WithdrawalStatusApproved,
	},
	WithdrawalActionReject: {
		from: []WithdrawalStatus{WithdrawalStatusRequested, WithdrawalStatusReviewPending},
		to:   WithdrawalStatusRejected,
	},
	WithdrawalActionBroadcast: {
		from: []WithdrawalStatus{WithdrawalStatusApproved},
		to:   WithdrawalStatusBroadcasted,
	},
	WithdrawalActionConfirm: {
		from: []WithdrawalStatus{WithdrawalStatusApproved, WithdrawalStatusBroadcasted},
		to:   WithdrawalStatusConfirmed,
	},
	WithdrawalActionFail: {
		from: []WithdrawalStatus{WithdrawalStatusApproved, WithdrawalStatusBroadcasted},
		to:   WithdrawalStatusFailed,
	},
}

// NextStatus returns the status the action moves a withdrawal in status from to.
func NextStatus(from WithdrawalStatus, action WithdrawalAction) (WithdrawalStatus, error) {
	t, ok := withdrawalTransitions[action]
	if !ok {
		return "", fmt.Errorf("NextStatus: unknown action %q: %w", action, ErrValidation)
	}
	if !slices.Contains(t.from, from) {
		return "", fmt.Errorf("NextStatus: cannot %s from %s: %w", action, from, ErrInvalidWithdrawalState)
	}
	return t.to, nil
}

type Withdrawal struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	Asset            string
	Network          string
	Address          string
	Amount           decimal.Decimal
	Fee              decimal.Decimal
	Status           WithdrawalStatus
	TxHash           *string
	RejectReason     *string
	FailureReason    *string
	ReviewedByUserID *uuid.UUID
	RequestedAt      time.Time
	ReviewedAt       *time.Time
	BroadcastedAt    *time.Time
	ConfirmedAt      *time.Time
	FailedAt         *time.Time
	UpdatedAt        time.Time
}

// Collateral is the amount locked while the withdrawal is in flight.
func (w *Withdrawal) Collateral() decimal.Decimal {
	return w.Amount.Add(w.Fee)
}

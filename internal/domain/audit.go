package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	AuditTargetWithdrawal = "WITHDRAWAL"
	AuditTargetOrder      = "ORDER"
	AuditTargetBalance    = "BALANCE"
)

const (
	AuditActionWithdrawalRequest   = "WITHDRAWAL_REQUEST"
	AuditActionWithdrawalApprove   = "WITHDRAWAL_APPROVE"
	AuditActionWithdrawalReject    = "WITHDRAWAL_REJECT"
	AuditActionWithdrawalBroadcast = "WITHDRAWAL_BROADCAST"
	AuditActionWithdrawalConfirm   = "WITHDRAWAL_CONFIRM"
	AuditActionWithdrawalFail      = "WITHDRAWAL_FAIL"
	AuditActionOrderPlace          = "ORDER_PLACE"
	AuditActionOrderCancel         = "ORDER_CANCEL"
	AuditActionBalanceAdjust       = "BALANCE_ADJUST"
	AuditActionBalanceDeposit      = "BALANCE_DEPOSIT"
)

// Actor identifies who performed a state-changing call.
type Actor struct {
	UserID uuid.UUID
	Email  string
}

type AuditEvent struct {
	ID          uuid.UUID
	ActorUserID uuid.UUID
	ActorEmail  string
	Action      string
	TargetType  string
	TargetID    string
	Metadata    map[string]any
	CreatedAt   time.Time
}

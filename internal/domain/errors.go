package domain

import "errors"

var (
	ErrNotFound                     = errors.New("not found")
	ErrValidation                   = errors.New("validation failed")
	ErrNegativeAmount               = errors.New("amount must be greater than zero")
	ErrInsufficientAvailableBalance = errors.New("insufficient available balance")
	ErrInsufficientLockedBalance    = errors.New("insufficient locked balance")
	ErrBalanceNotFound              = errors.New("balance not found")
	ErrPriceRequiredForBuy          = errors.New("price required for buy order")
	ErrOrderNotCancelable           = errors.New("order not cancelable")
	ErrInvalidWithdrawalState       = errors.New("invalid withdrawal state")
	ErrConcurrentModification       = errors.New("concurrent modification")
	ErrLedgerMismatch               = errors.New("ledger does not reconcile with balance")
)

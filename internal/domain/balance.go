package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxScale is the number of fractional digits the balance columns hold.
const MaxScale = 18

// MaxIntegerDigits is what NUMERIC(36,18) leaves for the integer part.
const MaxIntegerDigits = 18

// maxMagnitude is the smallest absolute value NUMERIC(36,18) cannot store.
var maxMagnitude = decimal.New(1, MaxIntegerDigits)

type Balance struct {
	UserID    uuid.UUID
	Asset     string
	Available decimal.Decimal
	Locked    decimal.Decimal
	Version   int64
	UpdatedAt time.Time
}

func NewBalance(userID uuid.UUID, asset string) *Balance {
	return &Balance{
		UserID:    userID,
		Asset:     asset,
		Available: decimal.Zero,
		Locked:    decimal.Zero,
	}
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Locked)
}

func (b Balance) Validate() error {
	if b.Available.IsNegative() {
		return fmt.Errorf("Validate: available %s: %w", b.Available, ErrInsufficientAvailableBalance)
	}
	if b.Locked.IsNegative() {
		return fmt.Errorf("Validate: locked %s: %w", b.Locked, ErrInsufficientLockedBalance)
	}
	if err := ValidatePrecision("available", b.Available); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	if err := ValidatePrecision("locked", b.Locked); err != nil {
		return fmt.Errorf("Validate: %w", err)
	}
	return nil
}

// Apply returns the balance after adding delta to available. A negative delta
// may not take available below zero.
func (b Balance) Apply(delta decimal.Decimal) (Balance, error) {
	if delta.IsZero() {
		return b, fmt.Errorf("Apply: delta must be non-zero: %w", ErrNegativeAmount)
	}
	next := b
	next.Available = b.Available.Add(delta)
	if next.Available.IsNegative() {
		return b, fmt.Errorf("Apply: %w", ErrInsufficientAvailableBalance)
	}
	return next, nil
}

func (b Balance) Lock(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, fmt.Errorf("Lock: %w", ErrNegativeAmount)
	}
	if b.Available.LessThan(amount) {
		return b, fmt.Errorf("Lock: %w", ErrInsufficientAvailableBalance)
	}
	next := b
	next.Available = b.Available.Sub(amount)
	next.Locked = b.Locked.Add(amount)
	return next, nil
}

func (b Balance) Unlock(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, fmt.Errorf("Unlock: %w", ErrNegativeAmount)
	}
	if b.Locked.LessThan(amount) {
		return b, fmt.Errorf("Unlock: %w", ErrInsufficientLockedBalance)
	}
	next := b
	next.Locked = b.Locked.Sub(amount)
	next.Available = b.Available.Add(amount)
	return next, nil
}

// Consume removes amount from locked without returning it to available.
func (b Balance) Consume(amount decimal.Decimal) (Balance, error) {
	if !amount.IsPositive() {
		return b, fmt.Errorf("Consume: %w", ErrNegativeAmount)
	}
	if b.Locked.LessThan(amount) {
		return b, fmt.Errorf("Consume: %w", ErrInsufficientLockedBalance)
	}
	next := b
	next.Locked = b.Locked.Sub(amount)
	return next, nil
}

func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func ValidateAsset(asset string) error {
	if asset == "" {
		return fmt.Errorf("asset required: %w", ErrValidation)
	}
	if len(asset) > 16 {
		return fmt.Errorf("asset %q too long: %w", asset, ErrValidation)
	}
	return nil
}

// ValidatePrecision rejects values the NUMERIC(36,18) columns would round or
// could not hold at all.
func ValidatePrecision(field string, d decimal.Decimal) error {
	if d.Exponent() < -MaxScale && !d.Equal(d.Truncate(MaxScale)) {
		return fmt.Errorf("%s exceeds %d decimal places: %w", field, MaxScale, ErrValidation)
	}
	if d.Abs().GreaterThanOrEqual(maxMagnitude) {
		return fmt.Errorf("%s exceeds %d integer digits: %w", field, MaxIntegerDigits, ErrValidation)
	}
	return nil
}

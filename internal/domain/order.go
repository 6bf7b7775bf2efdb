package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

func (s OrderSide) IsValid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsOpen reports whether the order still holds collateral that can be released.
func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

type Order struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Symbol         string
	Side           OrderSide
	Price          *decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CanceledAt     *time.Time
}

func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Market is a symbol split into its base and quote assets.
type Market struct {
	Base  string
	Quote string
}

var symbolSeparators = []string{"/", "-", "_"}

// ParseSymbol splits symbols such as BTC/USDT, BTC-USDT, BTC_USDT or BTCUSDT.
// The concatenated form is resolved against the known quote assets, longest first.
func ParseSymbol(symbol string, quotes []string) (Market, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return Market{}, fmt.Errorf("ParseSymbol: symbol required: %w", ErrValidation)
	}

	for _, sep := range symbolSeparators {
		if base, quote, ok := strings.Cut(s, sep); ok {
			return newMarket(symbol, base, quote)
		}
	}

	best := ""
	for _, q := range quotes {
		q = NormalizeAsset(q)
		if q != "" && len(q) < len(s) && strings.HasSuffix(s, q) && len(q) > len(best) {
			best = q
		}
	}
	if best == "" {
		return Market{}, fmt.Errorf("ParseSymbol: unknown quote asset in %q: %w", symbol, ErrValidation)
	}
	return newMarket(symbol, strings.TrimSuffix(s, best), best)
}

func newMarket(symbol, base, quote string) (Market, error) {
	for _, half := range []string{base, quote} {
		if strings.ContainsAny(half, "/-_ ") {
			return Market{}, fmt.Errorf("ParseSymbol: malformed symbol %q: %w", symbol, ErrValidation)
		}
		if err := ValidateAsset(half); err != nil {
			return Market{}, fmt.Errorf("ParseSymbol: symbol %q: %w", symbol, err)
		}
	}
	if base == quote {
		return Market{}, fmt.Errorf("ParseSymbol: %q trades an asset against itself: %w", symbol, ErrValidation)
	}
	return Market{Base: base, Quote: quote}, nil
}

package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/logging"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
)

type orderRepo interface {
	Create(ctx context.Context, tx *sql.Tx, o *domain.Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error)
	ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus, canceledAt *time.Time) error
}

type balanceMutator interface {
	MoveToLocked(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
	MoveToAvailable(ctx context.Context, tx *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Manager ties order lifetimes to the collateral they hold.
type Manager struct {
	orders  orderRepo
	mutator balanceMutator
	db      txRunner
	audit   audit.Recorder
	metrics *metrics.Metrics
	quotes  []string
}

func NewManager(orders orderRepo, mutator balanceMutator, db txRunner, recorder audit.Recorder, m *metrics.Metrics, quoteAssets []string) *Manager {
	return &Manager{
		orders:  orders,
		mutator: mutator,
		db:      db,
		audit:   recorder,
		metrics: m,
		quotes:  quoteAssets,
	}
}

// Collateral returns the asset and amount an order must keep locked: the
// quote notional of the unfilled quantity for buys, the unfilled base
// quantity for sells. Notional is rounded up to the ledger scale.
func (m *Manager) Collateral(o *domain.Order) (string, decimal.Decimal, error) {
	market, err := domain.ParseSymbol(o.Symbol, m.quotes)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("Collateral: %w", err)
	}

	remaining := o.Remaining()
	switch o.Side {
	case domain.OrderSideBuy:
		if o.Price == nil {
			return "", decimal.Zero, fmt.Errorf("Collateral: %w", domain.ErrPriceRequiredForBuy)
		}
		return market.Quote, o.Price.Mul(remaining).RoundCeil(domain.MaxScale), nil
	case domain.OrderSideSell:
		return market.Base, remaining, nil
	default:
		return "", decimal.Zero, fmt.Errorf("Collateral: side %q: %w", o.Side, domain.ErrValidation)
	}
}

// LockForOrder moves the order's collateral into locked within tx.
func (m *Manager) LockForOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) (*domain.LedgerEntry, error) {
	asset, amount, err := m.Collateral(o)
	if err != nil {
		return nil, fmt.Errorf("LockForOrder: %w", err)
	}

	entry, err := m.mutator.MoveToLocked(ctx, tx, balance.Mutation{
		UserID:        o.UserID,
		Asset:         asset,
		Amount:        amount,
		EntryType:     domain.EntryTypeOrderLock,
		ReferenceType: domain.RefOrder,
		ReferenceID:   o.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("LockForOrder: %w", err)
	}
	return entry, nil
}

// UnlockForOrder releases the collateral of an open order within tx.
func (m *Manager) UnlockForOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) (*domain.LedgerEntry, error) {
	if !o.Status.IsOpen() {
		return nil, fmt.Errorf("UnlockForOrder: status %s: %w", o.Status, domain.ErrOrderNotCancelable)
	}

	asset, amount, err := m.Collateral(o)
	if err != nil {
		return nil, fmt.Errorf("UnlockForOrder: %w", err)
	}

	entry, err := m.mutator.MoveToAvailable(ctx, tx, balance.Mutation{
		UserID:        o.UserID,
		Asset:         asset,
		Amount:        amount,
		EntryType:     domain.EntryTypeOrderUnlock,
		ReferenceType: domain.RefOrder,
		ReferenceID:   o.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("UnlockForOrder: %w", err)
	}
	return entry, nil
}

// Result is what PlaceOrder and CancelOrder return once their transaction has
// committed. AuditErr is set when the change stands but its audit event was
// not recorded.
type Result struct {
	Order    *domain.Order
	Entry    *domain.LedgerEntry
	AuditErr error
}

type PlaceOrderRequest struct {
	Actor    domain.Actor
	Symbol   string
	Side     domain.OrderSide
	Price    *decimal.Decimal
	Quantity decimal.Decimal
}

func validatePlaceOrder(req PlaceOrderRequest) error {
	if req.Actor.UserID == uuid.Nil {
		return fmt.Errorf("validatePlaceOrder: user id required: %w", domain.ErrValidation)
	}
	if !req.Side.IsValid() {
		return fmt.Errorf("validatePlaceOrder: side %q: %w", req.Side, domain.ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return fmt.Errorf("validatePlaceOrder: quantity: %w", domain.ErrNegativeAmount)
	}
	if err := domain.ValidatePrecision("quantity", req.Quantity); err != nil {
		return fmt.Errorf("validatePlaceOrder: %w", err)
	}
	if req.Price != nil {
		if !req.Price.IsPositive() {
			return fmt.Errorf("validatePlaceOrder: price: %w", domain.ErrNegativeAmount)
		}
		if err := domain.ValidatePrecision("price", *req.Price); err != nil {
			return fmt.Errorf("validatePlaceOrder: %w", err)
		}
	}
	if req.Side == domain.OrderSideBuy && req.Price == nil {
		return fmt.Errorf("validatePlaceOrder: %w", domain.ErrPriceRequiredForBuy)
	}
	return nil
}

// PlaceOrder records a new order and locks its collateral in one unit of
// work. If the lock fails no order row is written.
func (m *Manager) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	log := logging.FromContext(ctx)

	if err := validatePlaceOrder(req); err != nil {
		m.metrics.IncOrder("place", "rejected")
		return nil, fmt.Errorf("PlaceOrder: %w", err)
	}

	market, err := domain.ParseSymbol(req.Symbol, m.quotes)
	if err != nil {
		m.metrics.IncOrder("place", "rejected")
		return nil, fmt.Errorf("PlaceOrder: %w", err)
	}

	now := time.Now().UTC()
	o := &domain.Order{
		ID:             uuid.New(),
		UserID:         req.Actor.UserID,
		Symbol:         market.Base + "/" + market.Quote,
		Side:           req.Side,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         domain.OrderStatusNew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var entry *domain.LedgerEntry
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := m.orders.Create(ctx, tx, o); err != nil {
			return err
		}
		var err error
		entry, err = m.LockForOrder(ctx, tx, o)
		return err
	})
	m.metrics.IncOrder("place", metrics.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("PlaceOrder: %w", err)
	}

	log.Info("order placed",
		"order_id", o.ID,
		"user_id", o.UserID,
		"symbol", o.Symbol,
		"side", o.Side,
		"collateral_asset", entry.Asset,
		"collateral", entry.Amount.Neg(),
	)

	res := &Result{Order: o, Entry: entry}
	res.AuditErr = audit.Record(ctx, m.audit, audit.NewEvent(req.Actor, domain.AuditActionOrderPlace, domain.AuditTargetOrder, o.ID.String(), map[string]any{
		"symbol":           o.Symbol,
		"side":             o.Side,
		"price":            decimalString(o.Price),
		"quantity":         o.Quantity.String(),
		"collateral_asset": entry.Asset,
		"collateral":       entry.Amount.Neg().String(),
		"ledger_entry_id":  entry.ID.String(),
	}))

	return res, nil
}

// CancelOrder releases an open order's collateral and marks it CANCELED.
// Orders owned by someone else are reported as not found.
func (m *Manager) CancelOrder(ctx context.Context, orderID uuid.UUID, actor domain.Actor) (*Result, error) {
	log := logging.FromContext(ctx)

	var (
		o     *domain.Order
		entry *domain.LedgerEntry
		from  domain.OrderStatus
	)
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		o, err = m.orders.GetForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != actor.UserID {
			return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
		}

		entry, err = m.UnlockForOrder(ctx, tx, o)
		if err != nil {
			return err
		}

		from = o.Status
		canceledAt := time.Now().UTC()
		if err := m.orders.UpdateStatus(ctx, tx, o.ID, from, domain.OrderStatusCanceled, &canceledAt); err != nil {
			return err
		}
		o.Status = domain.OrderStatusCanceled
		o.CanceledAt = &canceledAt
		o.UpdatedAt = canceledAt
		return nil
	})
	m.metrics.IncOrder("cancel", metrics.Outcome(err))
	if err != nil {
		return nil, fmt.Errorf("CancelOrder: %w", err)
	}

	log.Info("order canceled",
		"order_id", o.ID,
		"user_id", o.UserID,
		"released_asset", entry.Asset,
		"released", entry.Amount,
	)

	res := &Result{Order: o, Entry: entry}
	res.AuditErr = audit.Record(ctx, m.audit, audit.NewEvent(actor, domain.AuditActionOrderCancel, domain.AuditTargetOrder, o.ID.String(), map[string]any{
		"previous_status": from,
		"next_status":     o.Status,
		"released_asset":  entry.Asset,
		"released":        entry.Amount.String(),
		"ledger_entry_id": entry.ID.String(),
	}))

	return res, nil
}

func (m *Manager) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error) {
	o, err := m.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("GetOrder: %w", err)
	}
	if o.UserID != userID {
		return nil, fmt.Errorf("GetOrder: %w", domain.ErrNotFound)
	}
	return o, nil
}

func (m *Manager) ListOpenOrders(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	orders, err := m.orders.ListOpenByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ListOpenOrders: %w", err)
	}
	return orders, nil
}

func decimalString(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

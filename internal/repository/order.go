package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const orderColumns = `id, user_id, symbol, side, price, quantity, filled_quantity,
	status, created_at, updated_at, canceled_at`

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO orders (
			id, user_id, symbol, side, price, quantity, filled_quantity,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.UserID, o.Symbol, o.Side, nullDecimal(o.Price), o.Quantity, o.FilledQuantity,
		o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Order, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id,
	)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return o, nil
}

func (r *OrderRepository) ListOpenByUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1 AND status IN ($2, $3) ORDER BY created_at`,
		userID, domain.OrderStatusNew, domain.OrderStatusPartiallyFilled,
	)
	if err != nil {
		return nil, fmt.Errorf("ListOpenByUser: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("ListOpenByUser: scan: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListOpenByUser: rows: %w", err)
	}
	return orders, nil
}

// UpdateStatus moves the order from one status to another. Zero rows means
// a peer already moved it.
func (r *OrderRepository) UpdateStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, from, to domain.OrderStatus, canceledAt *time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = $1, canceled_at = COALESCE($2, canceled_at), updated_at = now()
		WHERE id = $3 AND status = $4`,
		to, canceledAt, id, from,
	)
	if err != nil {
		return fmt.Errorf("UpdateStatus: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdateStatus: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("UpdateStatus: %w", domain.ErrOrderNotCancelable)
	}
	return nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	var o domain.Order
	var price decimal.NullDecimal
	err := s.Scan(
		&o.ID, &o.UserID, &o.Symbol, &o.Side, &price, &o.Quantity, &o.FilledQuantity,
		&o.Status, &o.CreatedAt, &o.UpdatedAt, &o.CanceledAt,
	)
	if err != nil {
		return nil, err
	}
	if price.Valid {
		o.Price = &price.Decimal
	}
	return &o, nil
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

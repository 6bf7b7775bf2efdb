package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const balanceColumns = `user_id, asset, available, locked, version, updated_at`

type BalanceRepository struct {
	db *sql.DB
}

func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Get(ctx context.Context, userID uuid.UUID, asset string) (*domain.Balance, error) {
	return getBalance(ctx, r.db, userID, asset)
}

// GetInTx reads the row without locking it, as seen by tx.
func (r *BalanceRepository) GetInTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) (*domain.Balance, error) {
	return getBalance(ctx, tx, userID, asset)
}

func getBalance(ctx context.Context, q queryer, userID uuid.UUID, asset string) (*domain.Balance, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 AND asset = $2`,
		userID, asset,
	)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("Get: %w", domain.ErrBalanceNotFound)
		}
		return nil, fmt.Errorf("Get: %w", err)
	}
	return b, nil
}

func (r *BalanceRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Balance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 ORDER BY asset`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByUser: %w", err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("ListByUser: scan: %w", err)
		}
		balances = append(balances, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListByUser: rows: %w", err)
	}
	return balances, nil
}

// Ensure creates a zero balance row if none exists. It is safe to call
// concurrently: the losing insert is a no-op.
func (r *BalanceRepository) Ensure(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (user_id, asset, available, locked, version, updated_at)
		VALUES ($1, $2, 0, 0, 0, now())
		ON CONFLICT (user_id, asset) DO NOTHING`,
		userID, asset,
	)
	if err != nil {
		return fmt.Errorf("Ensure: %w", err)
	}
	return nil
}

func (r *BalanceRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) (*domain.Balance, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+balanceColumns+` FROM balances WHERE user_id = $1 AND asset = $2 FOR UPDATE`,
		userID, asset,
	)
	b, err := scanBalance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrBalanceNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return b, nil
}

// Update writes b if the stored version still equals b.Version and bumps it.
func (r *BalanceRepository) Update(ctx context.Context, tx *sql.Tx, b *domain.Balance) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = $1, locked = $2, version = version + 1, updated_at = now()
		WHERE user_id = $3 AND asset = $4 AND version = $5`,
		b.Available, b.Locked, b.UserID, b.Asset, b.Version,
	)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Update: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Update: %w", domain.ErrConcurrentModification)
	}
	b.Version++
	return nil
}

func scanBalance(s scanner) (*domain.Balance, error) {
	var b domain.Balance
	err := s.Scan(&b.UserID, &b.Asset, &b.Available, &b.Locked, &b.Version, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListUpdatedSince returns balances written at or after since, oldest first.
// updated_at is the writing transaction's start time, not its commit time.
func (r *BalanceRepository) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Balance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+balanceColumns+` FROM balances
		WHERE updated_at >= $1 ORDER BY updated_at, user_id, asset LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListUpdatedSince: %w", err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("ListUpdatedSince: scan: %w", err)
		}
		balances = append(balances, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListUpdatedSince: rows: %w", err)
	}
	return balances, nil
}

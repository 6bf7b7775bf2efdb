package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const withdrawalColumns = `id, user_id, asset, network, address, amount, fee, status,
	tx_hash, reject_reason, failure_reason, reviewed_by_user_id,
	requested_at, reviewed_at, broadcasted_at, confirmed_at, failed_at, updated_at`

type WithdrawalRepository struct {
	db *sql.DB
}

func NewWithdrawalRepository(db *sql.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, tx *sql.Tx, w *domain.Withdrawal) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO withdrawals (
			id, user_id, asset, network, address, amount, fee, status,
			requested_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		w.ID, w.UserID, w.Asset, w.Network, w.Address, w.Amount, w.Fee, w.Status,
		w.RequestedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *WithdrawalRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id,
	)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return w, nil
}

func (r *WithdrawalRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Withdrawal, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id,
	)
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetForUpdate: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetForUpdate: %w", err)
	}
	return w, nil
}

func (r *WithdrawalRepository) ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit, offset int) ([]domain.Withdrawal, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM withdrawals WHERE status = $1`, status,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByStatus: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = $1 ORDER BY requested_at LIMIT $2 OFFSET $3`,
		status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByStatus: %w", err)
	}
	defer rows.Close()

	var withdrawals []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListByStatus: scan: %w", err)
		}
		withdrawals = append(withdrawals, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListByStatus: rows: %w", err)
	}
	return withdrawals, total, nil
}

// Transition persists w's new status and review/broadcast/outcome fields,
// conditioned on the row still being in status from.
func (r *WithdrawalRepository) Transition(ctx context.Context, tx *sql.Tx, w *domain.Withdrawal, from domain.WithdrawalStatus) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE withdrawals SET
			status = $1, tx_hash = $2, reject_reason = $3, failure_reason = $4,
			reviewed_by_user_id = $5, reviewed_at = $6, broadcasted_at = $7,
			confirmed_at = $8, failed_at = $9, updated_at = $10
		WHERE id = $11 AND status = $12`,
		w.Status, w.TxHash, w.RejectReason, w.FailureReason,
		nullUUID(w.ReviewedByUserID), w.ReviewedAt, w.BroadcastedAt,
		w.ConfirmedAt, w.FailedAt, w.UpdatedAt,
		w.ID, from,
	)
	if err != nil {
		return fmt.Errorf("Transition: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Transition: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("Transition: no longer %s: %w", from, domain.ErrInvalidWithdrawalState)
	}
	return nil
}

func scanWithdrawal(s scanner) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var reviewedBy uuid.NullUUID
	err := s.Scan(
		&w.ID, &w.UserID, &w.Asset, &w.Network, &w.Address, &w.Amount, &w.Fee, &w.Status,
		&w.TxHash, &w.RejectReason, &w.FailureReason, &reviewedBy,
		&w.RequestedAt, &w.ReviewedAt, &w.BroadcastedAt, &w.ConfirmedAt, &w.FailedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if reviewedBy.Valid {
		w.ReviewedByUserID = &reviewedBy.UUID
	}
	return &w, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

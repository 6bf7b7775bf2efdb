package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

const ledgerColumns = `id, seq, user_id, asset, entry_type, amount,
	balance_before, balance_after, locked_before, locked_after,
	reference_type, reference_id, created_at`

type LedgerRepository struct {
	db *sql.DB
}

func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// Create appends entry and fills in the sequence number assigned by postgres.
func (r *LedgerRepository) Create(ctx context.Context, tx *sql.Tx, entry *domain.LedgerEntry) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (
			id, user_id, asset, entry_type, amount,
			balance_before, balance_after, locked_before, locked_after,
			reference_type, reference_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		entry.ID, entry.UserID, entry.Asset, entry.EntryType, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.LockedBefore, entry.LockedAfter,
		entry.ReferenceType, entry.ReferenceID, entry.CreatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// ListByUserAsset returns entries newest first, paginated.
func (r *LedgerRepository) ListByUserAsset(ctx context.Context, userID uuid.UUID, asset string, limit, offset int) ([]domain.LedgerEntry, int, error) {
	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND asset = $2`, userID, asset,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUserAsset: count: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE user_id = $1 AND asset = $2
		ORDER BY created_at DESC, seq DESC LIMIT $3 OFFSET $4`,
		userID, asset, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUserAsset: %w", err)
	}
	defer rows.Close()

	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("ListByUserAsset: %w", err)
	}
	return entries, total, nil
}

// History returns every entry for the pair in commit order, for replay.
func (r *LedgerRepository) History(ctx context.Context, userID uuid.UUID, asset string) ([]domain.LedgerEntry, error) {
	return history(ctx, r.db, userID, asset)
}

func (r *LedgerRepository) HistoryInTx(ctx context.Context, tx *sql.Tx, userID uuid.UUID, asset string) ([]domain.LedgerEntry, error) {
	return history(ctx, tx, userID, asset)
}

func history(ctx context.Context, q queryer, userID uuid.UUID, asset string) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		WHERE user_id = $1 AND asset = $2 ORDER BY seq`,
		userID, asset,
	)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	defer rows.Close()

	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("History: %w", err)
	}
	return entries, nil
}

func (r *LedgerRepository) GetByReference(ctx context.Context, referenceID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE reference_id = $1 ORDER BY seq`,
		referenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	defer rows.Close()

	entries, err := collectLedgerEntries(rows)
	if err != nil {
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return entries, nil
}

func collectLedgerEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(s scanner) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := s.Scan(
		&e.ID, &e.Seq, &e.UserID, &e.Asset, &e.EntryType, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.LockedBefore, &e.LockedAfter,
		&e.ReferenceType, &e.ReferenceID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

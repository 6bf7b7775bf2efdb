package testutil

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
)

func SeedUser(t *testing.T, db *sql.DB, email string, role domain.UserRole) *domain.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &domain.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         email,
		PasswordHash: string(hash),
		Role:         role,
		Status:       domain.UserStatusActive,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = db.Exec(
		`INSERT INTO users (id, email, name, password_hash, role, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Role, u.Status, u.CreatedAt,
	)
	if err != nil {
		t.Fatalf("seed user %s: %v", email, err)
	}
	return u
}

// Fund credits amount through a DEPOSIT entry so that the ledger replays
// cleanly to the seeded balance.
func Fund(t *testing.T, db *sql.DB, userID uuid.UUID, asset string, amount decimal.Decimal) {
	t.Helper()

	tx, err := db.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("fund: begin: %v", err)
	}
	defer tx.Rollback()

	var available, locked decimal.Decimal
	err = tx.QueryRow(
		`INSERT INTO balances (user_id, asset, available, locked)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (user_id, asset) DO UPDATE
		   SET available = balances.available + EXCLUDED.available, version = balances.version + 1
		 RETURNING available, locked`,
		userID, asset, amount,
	).Scan(&available, &locked)
	if err != nil {
		t.Fatalf("fund %s %s: %v", userID, asset, err)
	}

	_, err = tx.Exec(
		`INSERT INTO ledger_entries (
			id, user_id, asset, entry_type, amount,
			balance_before, balance_after, locked_before, locked_after,
			reference_type, reference_id
		) VALUES ($1, $2, $3, 'DEPOSIT', $4, $5, $6, $7, $7, 'DEPOSIT', $1)`,
		uuid.New(), userID, asset, amount, available.Sub(amount), available, locked,
	)
	if err != nil {
		t.Fatalf("fund ledger %s %s: %v", userID, asset, err)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("fund: commit: %v", err)
	}
}

func GetBalance(t *testing.T, db *sql.DB, userID uuid.UUID, asset string) (available, locked decimal.Decimal) {
	t.Helper()

	err := db.QueryRow(
		`SELECT available, locked FROM balances WHERE user_id = $1 AND asset = $2`,
		userID, asset,
	).Scan(&available, &locked)
	if err != nil {
		t.Fatalf("get balance %s/%s: %v", userID, asset, err)
	}
	return available, locked
}

func CountLedgerEntries(t *testing.T, db *sql.DB, userID uuid.UUID, asset string) int {
	t.Helper()

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM ledger_entries WHERE user_id = $1 AND asset = $2`, userID, asset,
	).Scan(&count)
	if err != nil {
		t.Fatalf("count ledger entries %s/%s: %v", userID, asset, err)
	}
	return count
}

func CountLedgerEntriesByReference(t *testing.T, db *sql.DB, referenceID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE reference_id = $1`, referenceID).Scan(&count)
	if err != nil {
		t.Fatalf("count ledger entries for %s: %v", referenceID, err)
	}
	return count
}

func CountAuditLogs(t *testing.T, db *sql.DB, targetID string) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM audit_logs WHERE target_id = $1`, targetID).Scan(&count)
	if err != nil {
		t.Fatalf("count audit logs for %s: %v", targetID, err)
	}
	return count
}

func Dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()

	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

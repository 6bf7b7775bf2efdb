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

// CachedResponse is the stored answer to a keyed mutating request. A zero
// StatusCode marks a key whose request is still being served.
type CachedResponse struct {
	Key         string
	UserID      uuid.UUID
	RequestHash string
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (c *CachedResponse) Pending() bool {
	return c.StatusCode == 0
}

type IdempotencyRepository struct {
	db *sql.DB
}

func NewIdempotencyRepository(db *sql.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Reserve claims key for userID until expiresAt. It returns nil when the
// caller now owns the key, otherwise the live row already holding it.
// An expired row is taken over.
func (r *IdempotencyRepository) Reserve(ctx context.Context, key string, userID uuid.UUID, requestHash string, expiresAt time.Time) (*CachedResponse, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO idempotency_cache (idempotency_key, user_id, request_hash, status_code, response_body, created_at, expires_at)
		VALUES ($1, $2, $3, 0, ''::bytea, now(), $4)
		ON CONFLICT (idempotency_key, user_id) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
			status_code = 0,
			response_body = ''::bytea,
			created_at = now(),
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_cache.expires_at <= now()`,
		key, userID, requestHash, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("Reserve: rows affected: %w", err)
	}
	if n == 1 {
		return nil, nil
	}

	held, err := r.Get(ctx, key, userID)
	if err != nil {
		return nil, fmt.Errorf("Reserve: %w", err)
	}
	if held == nil {
		// Expired between the insert and the read; the caller may try again.
		return nil, fmt.Errorf("Reserve: key %q changed hands: %w", key, domain.ErrConcurrentModification)
	}
	return held, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string, userID uuid.UUID) (*CachedResponse, error) {
	var c CachedResponse
	err := r.db.QueryRowContext(ctx,
		`SELECT idempotency_key, user_id, request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_cache
		WHERE idempotency_key = $1 AND user_id = $2 AND expires_at > now()`,
		key, userID,
	).Scan(&c.Key, &c.UserID, &c.RequestHash, &c.StatusCode, &c.Body, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return &c, nil
}

// Complete stores the response for a key this caller reserved.
func (r *IdempotencyRepository) Complete(ctx context.Context, key string, userID uuid.UUID, status int, body []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE idempotency_cache SET status_code = $3, response_body = $4
		WHERE idempotency_key = $1 AND user_id = $2 AND status_code = 0`,
		key, userID, status, body,
	)
	if err != nil {
		return fmt.Errorf("Complete: %w", err)
	}
	return nil
}

// Release drops an unfinished reservation so the request can be retried.
func (r *IdempotencyRepository) Release(ctx context.Context, key string, userID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE idempotency_key = $1 AND user_id = $2 AND status_code = 0`,
		key, userID,
	)
	if err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) CleanExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_cache WHERE expires_at < now()`,
	)
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("CleanExpired: rows affected: %w", err)
	}
	return n, nil
}

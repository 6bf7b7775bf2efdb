package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/metrics"
)

type updatedBalanceLister interface {
	ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]domain.Balance, error)
}

type walletVerifier interface {
	Verify(ctx context.Context, userID uuid.UUID, asset string) (*Reconciliation, error)
}

// Reconciler periodically replays the ledger of every wallet that changed
// since its last pass and reports wallets whose stored balance has drifted.
//
// updated_at is stamped when a writing transaction starts, so a row can become
// visible with a timestamp older than the cursor. Each pass therefore rescans
// a lag window behind the cursor and skips balance versions it already checked.
type Reconciler struct {
	balances updatedBalanceLister
	verifier walletVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	interval time.Duration
	lag      time.Duration
	batch    int
	since    time.Time
	checked  map[walletKey]checkedVersion
}

type walletKey struct {
	userID uuid.UUID
	asset  string
}

type checkedVersion struct {
	version   int64
	updatedAt time.Time
}

func NewReconciler(balances updatedBalanceLister, verifier walletVerifier, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) *Reconciler {
	return &Reconciler{
		balances: balances,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		interval: interval,
		lag:      30 * time.Second,
		batch:    100,
		checked:  make(map[walletKey]checkedVersion),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("ledger reconciler started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ledger reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce checks every balance version written since the last pass and
// returns how many wallets were checked and how many did not reconcile.
func (r *Reconciler) RunOnce(ctx context.Context) (checked, mismatched int) {
	from := r.since
	if !from.IsZero() {
		from = from.Add(-r.lag)
	}

	for ctx.Err() == nil {
		page, err := r.balances.ListUpdatedSince(ctx, from, r.batch)
		if err != nil {
			r.logger.Error("failed to list updated balances", "error", err)
			break
		}

		for _, b := range page {
			key := walletKey{userID: b.UserID, asset: b.Asset}
			if prev, ok := r.checked[key]; ok && prev.version == b.Version {
				continue
			}
			checked++
			if r.check(ctx, b) {
				mismatched++
			}
			if b.UpdatedAt.After(r.since) {
				r.since = b.UpdatedAt
			}
		}

		if len(page) < r.batch {
			break
		}
		last := page[len(page)-1].UpdatedAt
		if !last.After(from) {
			// a full page sharing one timestamp; move on rather than spin
			r.logger.Warn("reconciler page did not advance", "updated_at", last)
			break
		}
		from = last
	}

	r.forget(r.since.Add(-r.lag))
	return checked, mismatched
}

// check verifies one wallet and reports whether it failed to reconcile. Only
// conclusive outcomes are remembered; errors are retried next pass.
func (r *Reconciler) check(ctx context.Context, b domain.Balance) bool {
	_, err := r.verifier.Verify(ctx, b.UserID, b.Asset)
	key := walletKey{userID: b.UserID, asset: b.Asset}
	switch {
	case err == nil:
		r.metrics.IncReconcileCheck("ok")
		r.checked[key] = checkedVersion{version: b.Version, updatedAt: b.UpdatedAt}
		return false
	case errors.Is(err, domain.ErrLedgerMismatch):
		r.metrics.IncReconcileCheck("mismatch")
		r.checked[key] = checkedVersion{version: b.Version, updatedAt: b.UpdatedAt}
		r.logger.Error("wallet does not reconcile",
			"user_id", b.UserID,
			"asset", b.Asset,
			"version", b.Version,
			"error", err,
		)
		return true
	default:
		r.metrics.IncReconcileCheck("error")
		r.logger.Warn("wallet check failed",
			"user_id", b.UserID,
			"asset", b.Asset,
			"error", err,
		)
		return false
	}
}

func (r *Reconciler) forget(before time.Time) {
	for key, v := range r.checked {
		if v.updatedAt.Before(before) {
			delete(r.checked, key)
		}
	}
}

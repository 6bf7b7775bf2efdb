package withdrawal_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/withdrawal"
	"github.com/josh-kwaku/exchange-backoffice/internal/testutil"
)

type lifecycleEnv struct {
	db        *sql.DB
	lifecycle *withdrawal.Lifecycle
	ledger    *repository.LedgerRepository
	audit     *repository.AuditLogRepository
}

func setupLifecycle(t *testing.T) *lifecycleEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)

	ledger := repository.NewLedgerRepository(db)
	auditLogs := repository.NewAuditLogRepository(db)
	mutator := balance.NewMutator(repository.NewBalanceRepository(db), ledger, nil)
	lifecycle := withdrawal.NewLifecycle(
		repository.NewWithdrawalRepository(db), mutator, repository.NewDB(db),
		audit.NewPostgresRecorder(auditLogs), nil,
	)
	return &lifecycleEnv{db: db, lifecycle: lifecycle, ledger: ledger, audit: auditLogs}
}

type fixture struct {
	user  domain.Actor
	admin domain.Actor
	w     *domain.Withdrawal
}

// requestFixture funds a user with 100 USDT and requests 50 + 1 fee.
func (env *lifecycleEnv) requestFixture(t *testing.T) fixture {
	t.Helper()
	testutil.Truncate(t, env.db)
	user := testutil.SeedUser(t, env.db, "holder@example.com", domain.UserRoleUser)
	admin := testutil.SeedUser(t, env.db, "admin@example.com", domain.UserRoleAdmin)
	testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

	f := fixture{
		user:  domain.Actor{UserID: user.ID, Email: user.Email},
		admin: domain.Actor{UserID: admin.ID, Email: admin.Email},
	}
	res, err := env.lifecycle.Request(context.Background(), withdrawal.RequestInput{
		Actor: f.user, Asset: "USDT", Amount: testutil.Dec(t, "50"), Fee: testutil.Dec(t, "1"),
		Network: "TRON", Address: "TQn9Y2khEsLJW1ChVWFMSMeRDow5KcbLSE",
	})
	require.NoError(t, err)
	require.NoError(t, res.AuditErr)
	f.w = res.Withdrawal
	return f
}

func (env *lifecycleEnv) assertBalance(t *testing.T, userID uuid.UUID, available, locked string) {
	t.Helper()
	gotAvailable, gotLocked := testutil.GetBalance(t, env.db, userID, "USDT")
	assert.True(t, gotAvailable.Equal(testutil.Dec(t, available)), "available %s, want %s", gotAvailable, available)
	assert.True(t, gotLocked.Equal(testutil.Dec(t, locked)), "locked %s, want %s", gotLocked, locked)
}

func (env *lifecycleEnv) assertReplay(t *testing.T, userID uuid.UUID) {
	t.Helper()
	entries, err := env.ledger.History(context.Background(), userID, "USDT")
	require.NoError(t, err)
	gotAvailable, gotLocked, err := domain.Replay(entries)
	require.NoError(t, err)
	available, locked := testutil.GetBalance(t, env.db, userID, "USDT")
	assert.True(t, gotAvailable.Equal(available))
	assert.True(t, gotLocked.Equal(locked))
}

func TestWithdrawalLifecycle_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := setupLifecycle(t)
	ctx := context.Background()

	t.Run("request then reject", func(t *testing.T) {
		f := env.requestFixture(t)
		env.assertBalance(t, f.user.UserID, "49", "51")
		assert.Equal(t, domain.WithdrawalStatusReviewPending, f.w.Status)

		res, err := env.lifecycle.Reject(ctx, f.w.ID, f.admin, "policy")
		require.NoError(t, err)
		require.NoError(t, res.AuditErr)
		assert.Equal(t, domain.WithdrawalStatusRejected, res.Withdrawal.Status)
		env.assertBalance(t, f.user.UserID, "100", "0")

		stored, err := env.lifecycle.Get(ctx, f.w.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawalStatusRejected, stored.Status)
		require.NotNil(t, stored.RejectReason)
		assert.Equal(t, "policy", *stored.RejectReason)
		require.NotNil(t, stored.ReviewedByUserID)
		assert.Equal(t, f.admin.UserID, *stored.ReviewedByUserID)

		_, err = env.lifecycle.Confirm(ctx, f.w.ID, f.admin)
		assert.ErrorIs(t, err, domain.ErrInvalidWithdrawalState)

		events, err := env.audit.GetByTarget(ctx, domain.AuditTargetWithdrawal, f.w.ID.String())
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, domain.AuditActionWithdrawalReject, events[1].Action)
		assert.Equal(t, "REVIEW_PENDING", events[1].Metadata["previous_status"])
		assert.Equal(t, "REJECTED", events[1].Metadata["next_status"])

		env.assertReplay(t, f.user.UserID)
	})

	t.Run("approve broadcast confirm", func(t *testing.T) {
		f := env.requestFixture(t)

		_, err := env.lifecycle.Approve(ctx, f.w.ID, f.admin)
		require.NoError(t, err)
		env.assertBalance(t, f.user.UserID, "49", "51")

		_, err = env.lifecycle.Broadcast(ctx, f.w.ID, f.admin, "0xabc")
		require.NoError(t, err)

		res, err := env.lifecycle.Confirm(ctx, f.w.ID, f.admin)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawalStatusConfirmed, res.Withdrawal.Status)
		env.assertBalance(t, f.user.UserID, "49", "0")

		require.NotNil(t, res.Entry)
		assert.Equal(t, domain.EntryTypeTradeSettlement, res.Entry.EntryType)
		assert.True(t, res.Entry.BalanceBefore.Equal(res.Entry.BalanceAfter))

		_, err = env.lifecycle.Confirm(ctx, f.w.ID, f.admin)
		assert.ErrorIs(t, err, domain.ErrInvalidWithdrawalState)
		env.assertBalance(t, f.user.UserID, "49", "0")

		_, err = env.lifecycle.Fail(ctx, f.w.ID, f.admin, "too late")
		assert.ErrorIs(t, err, domain.ErrInvalidWithdrawalState)

		stored, err := env.lifecycle.GetForUser(ctx, f.w.ID, f.user.UserID)
		require.NoError(t, err)
		require.NotNil(t, stored.TxHash)
		assert.Equal(t, "0xabc", *stored.TxHash)
		assert.NotNil(t, stored.BroadcastedAt)
		assert.NotNil(t, stored.ConfirmedAt)

		assert.Equal(t, 4, testutil.CountAuditLogs(t, env.db, f.w.ID.String()))
		env.assertReplay(t, f.user.UserID)
	})

	t.Run("fail after broadcast unlocks", func(t *testing.T) {
		f := env.requestFixture(t)

		_, err := env.lifecycle.Approve(ctx, f.w.ID, f.admin)
		require.NoError(t, err)
		_, err = env.lifecycle.Broadcast(ctx, f.w.ID, f.admin, "0xdef")
		require.NoError(t, err)
		_, err = env.lifecycle.Fail(ctx, f.w.ID, f.admin, "dropped from mempool")
		require.NoError(t, err)

		env.assertBalance(t, f.user.UserID, "100", "0")
		env.assertReplay(t, f.user.UserID)
	})

	t.Run("request beyond available", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "greedy@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

		_, err := env.lifecycle.Request(ctx, withdrawal.RequestInput{
			Actor: domain.Actor{UserID: user.ID}, Asset: "USDT", Amount: testutil.Dec(t, "100"), Fee: testutil.Dec(t, "0.01"),
			Network: "TRON", Address: "T",
		})
		require.ErrorIs(t, err, domain.ErrInsufficientAvailableBalance)
		env.assertBalance(t, user.ID, "100", "0")

		list, total, err := env.lifecycle.ListByStatus(ctx, domain.WithdrawalStatusReviewPending, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, list)
		assert.Zero(t, total)
	})
}

// race runs every fn at once and returns how many succeeded and the errors
// of the rest.
func race(fns ...func() error) (int, []error) {
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  []error
	)
	start := make(chan struct{})
	wg.Add(len(fns))
	for _, fn := range fns {
		go func() {
			defer wg.Done()
			<-start
			err := fn()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			failures = append(failures, err)
		}()
	}
	close(start)
	wg.Wait()
	return successes, failures
}

func TestWithdrawalLifecycle_Concurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := setupLifecycle(t)
	ctx := context.Background()

	t.Run("concurrent rejects unlock once", func(t *testing.T) {
		f := env.requestFixture(t)

		successes, failures := race(
			func() error { _, err := env.lifecycle.Reject(ctx, f.w.ID, f.admin, "first"); return err },
			func() error { _, err := env.lifecycle.Reject(ctx, f.w.ID, f.admin, "second"); return err },
			func() error { _, err := env.lifecycle.Reject(ctx, f.w.ID, f.admin, "third"); return err },
		)
		assert.Equal(t, 1, successes)
		for _, err := range failures {
			assert.True(t, errors.Is(err, domain.ErrInvalidWithdrawalState), "unexpected error: %v", err)
		}

		env.assertBalance(t, f.user.UserID, "100", "0")
		assert.Equal(t, 2, testutil.CountLedgerEntriesByReference(t, env.db, f.w.ID))
		env.assertReplay(t, f.user.UserID)
	})

	t.Run("reject races fail", func(t *testing.T) {
		f := env.requestFixture(t)

		successes, failures := race(
			func() error { _, err := env.lifecycle.Reject(ctx, f.w.ID, f.admin, "policy"); return err },
			func() error { _, err := env.lifecycle.Fail(ctx, f.w.ID, f.admin, "node down"); return err },
		)
		assert.Equal(t, 1, successes)
		require.Len(t, failures, 1)
		assert.ErrorIs(t, failures[0], domain.ErrInvalidWithdrawalState)

		env.assertBalance(t, f.user.UserID, "100", "0")
		env.assertReplay(t, f.user.UserID)
	})

	t.Run("confirm races fail", func(t *testing.T) {
		f := env.requestFixture(t)
		_, err := env.lifecycle.Approve(ctx, f.w.ID, f.admin)
		require.NoError(t, err)

		successes, failures := race(
			func() error { _, err := env.lifecycle.Confirm(ctx, f.w.ID, f.admin); return err },
			func() error { _, err := env.lifecycle.Fail(ctx, f.w.ID, f.admin, "node down"); return err },
		)
		assert.Equal(t, 1, successes)
		require.Len(t, failures, 1)
		assert.ErrorIs(t, failures[0], domain.ErrInvalidWithdrawalState)

		stored, err := env.lifecycle.Get(ctx, f.w.ID)
		require.NoError(t, err)
		switch stored.Status {
		case domain.WithdrawalStatusConfirmed:
			env.assertBalance(t, f.user.UserID, "49", "0")
		case domain.WithdrawalStatusFailed:
			env.assertBalance(t, f.user.UserID, "100", "0")
		default:
			t.Fatalf("unexpected status %s", stored.Status)
		}
		env.assertReplay(t, f.user.UserID)
	})
}

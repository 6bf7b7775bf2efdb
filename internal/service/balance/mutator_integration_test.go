package balance_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
	"github.com/josh-kwaku/exchange-backoffice/internal/testutil"
)

type mutatorEnv struct {
	db      *sql.DB
	tx      *repository.DB
	mutator *balance.Mutator
	ledger  *repository.LedgerRepository
}

func setupMutator(t *testing.T) *mutatorEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ledger := repository.NewLedgerRepository(db)
	return &mutatorEnv{
		db:      db,
		tx:      repository.NewDB(db),
		mutator: balance.NewMutator(repository.NewBalanceRepository(db), ledger, nil),
		ledger:  ledger,
	}
}

func TestMutator_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := setupMutator(t)
	ctx := context.Background()

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "rollback@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

		errBoom := errors.New("boom")
		err := env.tx.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := env.mutator.MoveToLocked(ctx, tx, balance.Mutation{
				UserID: user.ID, Asset: "USDT", Amount: testutil.Dec(t, "40"),
				EntryType: domain.EntryTypeOrderLock, ReferenceType: domain.RefOrder, ReferenceID: uuid.New(),
			}); err != nil {
				return err
			}
			return errBoom
		})
		require.ErrorIs(t, err, errBoom)

		available, locked := testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "100")))
		assert.True(t, locked.IsZero())
		assert.Equal(t, 1, testutil.CountLedgerEntries(t, env.db, user.ID, "USDT"))
	})

	t.Run("second mutation failing rolls back the first", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "partial@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

		err := env.tx.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := env.mutator.MoveToLocked(ctx, tx, balance.Mutation{
				UserID: user.ID, Asset: "USDT", Amount: testutil.Dec(t, "60"),
				EntryType: domain.EntryTypeOrderLock, ReferenceType: domain.RefOrder, ReferenceID: uuid.New(),
			}); err != nil {
				return err
			}
			_, err := env.mutator.MoveToLocked(ctx, tx, balance.Mutation{
				UserID: user.ID, Asset: "USDT", Amount: testutil.Dec(t, "60"),
				EntryType: domain.EntryTypeOrderLock, ReferenceType: domain.RefOrder, ReferenceID: uuid.New(),
			})
			return err
		})
		require.ErrorIs(t, err, domain.ErrInsufficientAvailableBalance)

		available, locked := testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "100")))
		assert.True(t, locked.IsZero())
		assert.Equal(t, 1, testutil.CountLedgerEntries(t, env.db, user.ID, "USDT"))
	})

	t.Run("credit on fresh wallet creates row", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "fresh@example.com", domain.UserRoleUser)

		err := env.tx.WithTx(ctx, func(tx *sql.Tx) error {
			_, err := env.mutator.Adjust(ctx, tx, balance.Mutation{
				UserID: user.ID, Asset: "eth", Amount: testutil.Dec(t, "0.000000000000000001"),
				EntryType: domain.EntryTypeDeposit, ReferenceType: domain.RefDeposit, ReferenceID: uuid.New(),
			})
			return err
		})
		require.NoError(t, err)

		available, _ := testutil.GetBalance(t, env.db, user.ID, "ETH")
		assert.True(t, available.Equal(testutil.Dec(t, "0.000000000000000001")))
	})

	t.Run("concurrent locks never overdraw", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "race@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

		const workers = 10
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				err := env.tx.WithTx(ctx, func(tx *sql.Tx) error {
					_, err := env.mutator.MoveToLocked(ctx, tx, balance.Mutation{
						UserID: user.ID, Asset: "USDT", Amount: decimal.NewFromInt(30),
						EntryType: domain.EntryTypeOrderLock, ReferenceType: domain.RefOrder, ReferenceID: uuid.New(),
					})
					return err
				})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 3, successes)

		available, locked := testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "10")), "available %s", available)
		assert.True(t, locked.Equal(testutil.Dec(t, "90")), "locked %s", locked)
		assert.True(t, available.Add(locked).Equal(testutil.Dec(t, "100")))

		entries, err := env.ledger.History(ctx, user.ID, "USDT")
		require.NoError(t, err)
		gotAvailable, gotLocked, err := domain.Replay(entries)
		require.NoError(t, err)
		assert.True(t, gotAvailable.Equal(available))
		assert.True(t, gotLocked.Equal(locked))
	})

	t.Run("ledger rows are append-only", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "immutable@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "1"))

		_, err := env.db.Exec(`UPDATE ledger_entries SET amount = 2 WHERE user_id = $1`, user.ID)
		assert.Error(t, err)
		_, err = env.db.Exec(`DELETE FROM ledger_entries WHERE user_id = $1`, user.ID)
		assert.Error(t, err)
	})
}

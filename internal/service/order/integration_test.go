package order_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/audit"
	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/repository"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/order"
	"github.com/josh-kwaku/exchange-backoffice/internal/testutil"
)

type orderEnv struct {
	db      *sql.DB
	manager *order.Manager
	ledger  *repository.LedgerRepository
}

func setupOrders(t *testing.T) *orderEnv {
	t.Helper()
	db := testutil.SetupTestDB(t)

	ledger := repository.NewLedgerRepository(db)
	mutator := balance.NewMutator(repository.NewBalanceRepository(db), ledger, nil)
	recorder := audit.NewPostgresRecorder(repository.NewAuditLogRepository(db))
	manager := order.NewManager(
		repository.NewOrderRepository(db), mutator, repository.NewDB(db), recorder, nil,
		[]string{"USDT", "USDC", "BTC", "ETH"},
	)
	return &orderEnv{db: db, manager: manager, ledger: ledger}
}

func entryTypes(entries []domain.LedgerEntry) []domain.EntryType {
	out := make([]domain.EntryType, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.EntryType)
	}
	return out
}

func TestOrderCollateral_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	env := setupOrders(t)
	ctx := context.Background()

	t.Run("lock then cancel restores balance", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "buyer@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))
		actor := domain.Actor{UserID: user.ID, Email: user.Email}

		price := testutil.Dec(t, "30000")
		placed, err := env.manager.PlaceOrder(ctx, order.PlaceOrderRequest{
			Actor: actor, Symbol: "BTC/USDT", Side: domain.OrderSideBuy,
			Price: &price, Quantity: testutil.Dec(t, "0.001"),
		})
		require.NoError(t, err)
		require.NoError(t, placed.AuditErr)
		o := placed.Order

		available, locked := testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "70")), "available %s", available)
		assert.True(t, locked.Equal(testutil.Dec(t, "30")), "locked %s", locked)

		_, err = env.manager.CancelOrder(ctx, o.ID, actor)
		require.NoError(t, err)

		available, locked = testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "100")), "available %s", available)
		assert.True(t, locked.IsZero(), "locked %s", locked)

		entries, err := env.ledger.GetByReference(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, []domain.EntryType{domain.EntryTypeOrderLock, domain.EntryTypeOrderUnlock}, entryTypes(entries))

		stored, err := env.manager.GetOrder(ctx, o.ID, user.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCanceled, stored.Status)
		require.NotNil(t, stored.Price)
		assert.True(t, stored.Price.Equal(price))

		assert.Equal(t, 2, testutil.CountAuditLogs(t, env.db, o.ID.String()))
	})

	t.Run("insufficient balance leaves nothing behind", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "poor@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "USDT", testutil.Dec(t, "100"))

		price := testutil.Dec(t, "150")
		_, err := env.manager.PlaceOrder(ctx, order.PlaceOrderRequest{
			Actor: domain.Actor{UserID: user.ID}, Symbol: "ETH/USDT", Side: domain.OrderSideBuy,
			Price: &price, Quantity: decimal.NewFromInt(1),
		})
		require.ErrorIs(t, err, domain.ErrInsufficientAvailableBalance)

		available, locked := testutil.GetBalance(t, env.db, user.ID, "USDT")
		assert.True(t, available.Equal(testutil.Dec(t, "100")))
		assert.True(t, locked.IsZero())
		assert.Equal(t, 1, testutil.CountLedgerEntries(t, env.db, user.ID, "USDT"))

		open, err := env.manager.ListOpenOrders(ctx, user.ID)
		require.NoError(t, err)
		assert.Empty(t, open)
	})

	t.Run("sell without base wallet", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "nowallet@example.com", domain.UserRoleUser)

		_, err := env.manager.PlaceOrder(ctx, order.PlaceOrderRequest{
			Actor: domain.Actor{UserID: user.ID}, Symbol: "SOLUSDT", Side: domain.OrderSideSell,
			Quantity: decimal.NewFromInt(1),
		})
		require.ErrorIs(t, err, domain.ErrBalanceNotFound)
	})

	t.Run("double cancel unlocks once", func(t *testing.T) {
		testutil.Truncate(t, env.db)
		user := testutil.SeedUser(t, env.db, "seller@example.com", domain.UserRoleUser)
		testutil.Fund(t, env.db, user.ID, "ETH", testutil.Dec(t, "5"))
		actor := domain.Actor{UserID: user.ID}

		placed, err := env.manager.PlaceOrder(ctx, order.PlaceOrderRequest{
			Actor: actor, Symbol: "ETH-USDT", Side: domain.OrderSideSell, Quantity: testutil.Dec(t, "2"),
		})
		require.NoError(t, err)
		o := placed.Order

		_, err = env.manager.CancelOrder(ctx, o.ID, actor)
		require.NoError(t, err)
		_, err = env.manager.CancelOrder(ctx, o.ID, actor)
		require.ErrorIs(t, err, domain.ErrOrderNotCancelable)

		available, locked := testutil.GetBalance(t, env.db, user.ID, "ETH")
		assert.True(t, available.Equal(testutil.Dec(t, "5")))
		assert.True(t, locked.IsZero())

		entries, err := env.ledger.History(ctx, user.ID, "ETH")
		require.NoError(t, err)
		gotAvailable, gotLocked, err := domain.Replay(entries)
		require.NoError(t, err)
		assert.True(t, gotAvailable.Equal(available))
		assert.True(t, gotLocked.Equal(locked))
	})
}

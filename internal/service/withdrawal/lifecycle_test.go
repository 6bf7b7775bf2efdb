package withdrawal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josh-kwaku/exchange-backoffice/internal/domain"
	"github.com/josh-kwaku/exchange-backoffice/internal/service/balance"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeWithdrawals struct {
	rows map[uuid.UUID]domain.Withdrawal
}

func (f *fakeWithdrawals) Create(_ context.Context, _ *sql.Tx, w *domain.Withdrawal) error {
	f.rows[w.ID] = *w
	return nil
}

func (f *fakeWithdrawals) GetByID(_ context.Context, id uuid.UUID) (*domain.Withdrawal, error) {
	w, ok := f.rows[id]
	if !ok {
		return nil, fmt.Errorf("GetByID: %w", domain.ErrNotFound)
	}
	return &w, nil
}

func (f *fakeWithdrawals) GetForUpdate(ctx context.Context, _ *sql.Tx, id uuid.UUID) (*domain.Withdrawal, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeWithdrawals) ListByStatus(_ context.Context, status domain.WithdrawalStatus, limit, offset int) ([]domain.Withdrawal, int, error) {
	var out []domain.Withdrawal
	for _, w := range f.rows {
		if w.Status == status {
			out = append(out, w)
		}
	}
	return out, len(out), nil
}

func (f *fakeWithdrawals) Transition(_ context.Context, _ *sql.Tx, w *domain.Withdrawal, from domain.WithdrawalStatus) error {
	if f.rows[w.ID].Status != from {
		return fmt.Errorf("Transition: %w", domain.ErrInvalidWithdrawalState)
	}
	f.rows[w.ID] = *w
	return nil
}

type call struct {
	op  string
	mut balance.Mutation
}

type fakeMutator struct {
	calls []call
	err   error
}

func (f *fakeMutator) record(op string, mut balance.Mutation) (*domain.LedgerEntry, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, call{op, mut})
	return &domain.LedgerEntry{ID: uuid.New(), EntryType: mut.EntryType, Asset: mut.Asset, Amount: mut.Amount, ReferenceType: mut.ReferenceType}, nil
}

func (f *fakeMutator) MoveToLocked(_ context.Context, _ *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error) {
	return f.record("lock", mut)
}

func (f *fakeMutator) MoveToAvailable(_ context.Context, _ *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error) {
	return f.record("unlock", mut)
}

func (f *fakeMutator) ConsumeLocked(_ context.Context, _ *sql.Tx, mut balance.Mutation) (*domain.LedgerEntry, error) {
	return f.record("consume", mut)
}

type fakeTx struct {
	withdrawals *fakeWithdrawals
}

func (f fakeTx) WithTx(_ context.Context, fn func(tx *sql.Tx) error) error {
	snapshot := make(map[uuid.UUID]domain.Withdrawal, len(f.withdrawals.rows))
	for k, v := range f.withdrawals.rows {
		snapshot[k] = v
	}
	if err := fn(nil); err != nil {
		f.withdrawals.rows = snapshot
		return err
	}
	return nil
}

type captureRecorder struct {
	events []domain.AuditEvent
	err    error
}

func (c *captureRecorder) Log(_ context.Context, e domain.AuditEvent) error {
	c.events = append(c.events, e)
	return c.err
}

type testEnv struct {
	lifecycle   *Lifecycle
	withdrawals *fakeWithdrawals
	mutator     *fakeMutator
	recorder    *captureRecorder
	user        domain.Actor
	admin       domain.Actor
}

func newTestEnv() *testEnv {
	withdrawals := &fakeWithdrawals{rows: make(map[uuid.UUID]domain.Withdrawal)}
	mut := &fakeMutator{}
	rec := &captureRecorder{}
	return &testEnv{
		lifecycle:   NewLifecycle(withdrawals, mut, fakeTx{withdrawals: withdrawals}, rec, nil),
		withdrawals: withdrawals,
		mutator:     mut,
		recorder:    rec,
		user:        domain.Actor{UserID: uuid.New(), Email: "user@example.com"},
		admin:       domain.Actor{UserID: uuid.New(), Email: "admin@example.com"},
	}
}

func (e *testEnv) request(t *testing.T) *domain.Withdrawal {
	t.Helper()
	res, err := e.lifecycle.Request(context.Background(), RequestInput{
		Actor: e.user, Asset: "usdt", Amount: dec("50"), Fee: dec("1"),
		Network: "TRON", Address: "TXyz",
	})
	require.NoError(t, err)
	return res.Withdrawal
}

func TestRequest(t *testing.T) {
	env := newTestEnv()

	w := env.request(t)

	assert.Equal(t, domain.WithdrawalStatusReviewPending, w.Status)
	assert.Equal(t, "USDT", w.Asset)
	require.Len(t, env.mutator.calls, 1)
	c := env.mutator.calls[0]
	assert.Equal(t, "lock", c.op)
	assert.True(t, c.mut.Amount.Equal(dec("51")))
	assert.Equal(t, domain.EntryTypeWithdrawal, c.mut.EntryType)
	assert.Equal(t, domain.RefWithdrawalRequest, c.mut.ReferenceType)
	assert.Equal(t, w.ID, c.mut.ReferenceID)

	require.Len(t, env.recorder.events, 1)
	assert.Equal(t, domain.AuditActionWithdrawalRequest, env.recorder.events[0].Action)
}

func TestRequest_Validation(t *testing.T) {
	base := func() RequestInput {
		return RequestInput{
			Actor: domain.Actor{UserID: uuid.New()}, Asset: "BTC", Amount: dec("1"), Fee: dec("0"),
			Network: "BTC", Address: "bc1q",
		}
	}

	tests := []struct {
		name    string
		mutate  func(in *RequestInput)
		wantErr error
	}{
		{"zero amount", func(in *RequestInput) { in.Amount = decimal.Zero }, domain.ErrNegativeAmount},
		{"negative amount", func(in *RequestInput) { in.Amount = dec("-1") }, domain.ErrNegativeAmount},
		{"negative fee", func(in *RequestInput) { in.Fee = dec("-0.1") }, domain.ErrValidation},
		{"missing network", func(in *RequestInput) { in.Network = " " }, domain.ErrValidation},
		{"missing address", func(in *RequestInput) { in.Address = "" }, domain.ErrValidation},
		{"missing asset", func(in *RequestInput) { in.Asset = "" }, domain.ErrValidation},
		{"too precise", func(in *RequestInput) { in.Amount = dec("1.0000000000000000001") }, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			in := base()
			tt.mutate(&in)

			_, err := env.lifecycle.Request(context.Background(), in)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, env.mutator.calls)
			assert.Empty(t, env.withdrawals.rows)
		})
	}
}

func TestRequest_LockFailureWritesNothing(t *testing.T) {
	env := newTestEnv()
	env.mutator.err = fmt.Errorf("MoveToLocked: %w", domain.ErrInsufficientAvailableBalance)

	_, err := env.lifecycle.Request(context.Background(), RequestInput{
		Actor: env.user, Asset: "USDT", Amount: dec("500"), Fee: dec("1"), Network: "TRON", Address: "T",
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientAvailableBalance)
	assert.Empty(t, env.withdrawals.rows)
	assert.Empty(t, env.recorder.events)
}

func TestReject(t *testing.T) {
	env := newTestEnv()
	w := env.request(t)

	res, err := env.lifecycle.Reject(context.Background(), w.ID, env.admin, " policy ")
	require.NoError(t, err)

	assert.Equal(t, domain.WithdrawalStatusRejected, res.Withdrawal.Status)
	require.NotNil(t, res.Withdrawal.RejectReason)
	assert.Equal(t, "policy", *res.Withdrawal.RejectReason)
	require.NotNil(t, res.Withdrawal.ReviewedByUserID)
	assert.Equal(t, env.admin.UserID, *res.Withdrawal.ReviewedByUserID)
	assert.NotNil(t, res.Withdrawal.ReviewedAt)

	require.Len(t, env.mutator.calls, 2)
	c := env.mutator.calls[1]
	assert.Equal(t, "unlock", c.op)
	assert.True(t, c.mut.Amount.Equal(dec("51")))
	assert.Equal(t, domain.EntryTypeAdjustment, c.mut.EntryType)
	assert.Equal(t, domain.RefWithdrawalRejectUnlock, c.mut.ReferenceType)

	event := env.recorder.events[len(env.recorder.events)-1]
	assert.Equal(t, domain.AuditActionWithdrawalReject, event.Action)
	assert.Equal(t, domain.AuditTargetWithdrawal, event.TargetType)
	assert.Equal(t, w.ID.String(), event.TargetID)
	assert.Equal(t, "REVIEW_PENDING", event.Metadata["previous_status"])
	assert.Equal(t, "REJECTED", event.Metadata["next_status"])
	assert.Equal(t, "policy", event.Metadata["reason"])
	assert.Equal(t, env.admin.UserID, event.ActorUserID)
}

func TestReject_RequiresReason(t *testing.T) {
	env := newTestEnv()
	w := env.request(t)

	_, err := env.lifecycle.Reject(context.Background(), w.ID, env.admin, "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.WithdrawalStatusReviewPending, env.withdrawals.rows[w.ID].Status)
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	w := env.request(t)

	res, err := env.lifecycle.Approve(ctx, w.ID, env.admin)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusApproved, res.Withdrawal.Status)
	assert.Nil(t, res.Entry)

	_, err = env.lifecycle.Broadcast(ctx, w.ID, env.admin, "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	res, err = env.lifecycle.Broadcast(ctx, w.ID, env.admin, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusBroadcasted, res.Withdrawal.Status)
	require.NotNil(t, res.Withdrawal.TxHash)
	assert.Equal(t, "0xabc", *res.Withdrawal.TxHash)

	res, err = env.lifecycle.Confirm(ctx, w.ID, env.admin)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusConfirmed, res.Withdrawal.Status)
	assert.NotNil(t, res.Withdrawal.ConfirmedAt)
	require.NotNil(t, res.Entry)

	last := env.mutator.calls[len(env.mutator.calls)-1]
	assert.Equal(t, "consume", last.op)
	assert.Equal(t, domain.EntryTypeTradeSettlement, last.mut.EntryType)
	assert.Equal(t, domain.RefWithdrawalConfirm, last.mut.ReferenceType)

	_, err = env.lifecycle.Confirm(ctx, w.ID, env.admin)
	assert.ErrorIs(t, err, domain.ErrInvalidWithdrawalState)
	assert.Len(t, env.mutator.calls, 2)
	assert.Len(t, env.recorder.events, 4)
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()

	type step func(env *testEnv, id uuid.UUID) error
	approve := func(env *testEnv, id uuid.UUID) error { _, err := env.lifecycle.Approve(ctx, id, env.admin); return err }
	reject := func(env *testEnv, id uuid.UUID) error { _, err := env.lifecycle.Reject(ctx, id, env.admin, "r"); return err }
	broadcast := func(env *testEnv, id uuid.UUID) error { _, err := env.lifecycle.Broadcast(ctx, id, env.admin, "0x1"); return err }
	confirm := func(env *testEnv, id uuid.UUID) error { _, err := env.lifecycle.Confirm(ctx, id, env.admin); return err }
	fail := func(env *testEnv, id uuid.UUID) error { _, err := env.lifecycle.Fail(ctx, id, env.admin, "f"); return err }

	tests := []struct {
		name  string
		setup []step
		next  step
	}{
		{"confirm after reject", []step{reject}, confirm},
		{"fail after reject", []step{reject}, fail},
		{"approve after reject", []step{reject}, approve},
		{"fail after confirm", []step{approve, confirm}, fail},
		{"reject after confirm", []step{approve, confirm}, reject},
		{"confirm after fail", []step{approve, fail}, confirm},
		{"broadcast after fail", []step{approve, fail}, broadcast},
		{"broadcast before approve", nil, broadcast},
		{"confirm before approve", nil, confirm},
		{"fail before approve", nil, fail},
		{"reject after approve", []step{approve}, reject},
		{"approve twice", []step{approve}, approve},
		{"broadcast twice", []step{approve, broadcast}, broadcast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			w := env.request(t)
			for _, s := range tt.setup {
				require.NoError(t, s(env, w.ID))
			}
			callsBefore := len(env.mutator.calls)
			statusBefore := env.withdrawals.rows[w.ID].Status

			err := tt.next(env, w.ID)
			assert.ErrorIs(t, err, domain.ErrInvalidWithdrawalState)
			assert.Len(t, env.mutator.calls, callsBefore)
			assert.Equal(t, statusBefore, env.withdrawals.rows[w.ID].Status)
		})
	}
}

func TestFail_FromApproved(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	w := env.request(t)

	_, err := env.lifecycle.Approve(ctx, w.ID, env.admin)
	require.NoError(t, err)

	res, err := env.lifecycle.Fail(ctx, w.ID, env.admin, "node rejected")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalStatusFailed, res.Withdrawal.Status)
	require.NotNil(t, res.Withdrawal.FailureReason)
	assert.Equal(t, "node rejected", *res.Withdrawal.FailureReason)

	last := env.mutator.calls[len(env.mutator.calls)-1]
	assert.Equal(t, "unlock", last.op)
	assert.Equal(t, domain.RefWithdrawalFailedUnlock, last.mut.ReferenceType)
}

func TestTransition_UnknownWithdrawal(t *testing.T) {
	env := newTestEnv()
	_, err := env.lifecycle.Approve(context.Background(), uuid.New(), env.admin)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransition_AuditFailureIsReported(t *testing.T) {
	env := newTestEnv()
	w := env.request(t)
	errAudit := errors.New("audit store down")
	env.recorder.err = errAudit

	res, err := env.lifecycle.Approve(context.Background(), w.ID, env.admin)
	require.NoError(t, err)
	assert.ErrorIs(t, res.AuditErr, errAudit)
	assert.Equal(t, domain.WithdrawalStatusApproved, env.withdrawals.rows[w.ID].Status)
}

func TestGetForUser(t *testing.T) {
	env := newTestEnv()
	w := env.request(t)

	got, err := env.lifecycle.GetForUser(context.Background(), w.ID, env.user.UserID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)

	_, err = env.lifecycle.GetForUser(context.Background(), w.ID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListByStatus(t *testing.T) {
	env := newTestEnv()
	env.request(t)
	env.request(t)

	list, total, err := env.lifecycle.ListByStatus(context.Background(), domain.WithdrawalStatusReviewPending, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 2, total)

	_, _, err = env.lifecycle.ListByStatus(context.Background(), "PENDING", 10, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

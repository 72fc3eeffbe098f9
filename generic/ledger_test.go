package generic_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var (
	testNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)
	alice   = generic.AccountKey{UserID: "alice", LeaveType: "annual"}
)

type ledgerFixture struct {
	store  *store.TxMemory
	ledger *generic.Ledger
	actor  generic.Actor
}

func newLedgerFixture(t *testing.T, opening float64) *ledgerFixture {
	t.Helper()
	f := &ledgerFixture{
		store:  store.NewTxMemory(),
		ledger: generic.NewLedger(generic.FixedClock(testNow)),
		actor:  generic.SystemActor(),
	}
	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		if _, err := f.ledger.OpenAccount(ctx, uow, alice); err != nil {
			return err
		}
		if opening == 0 {
			return nil
		}
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(opening), Reason: generic.ReasonGrant,
		})
		return err
	})
	require.NoError(t, err)
	return f
}

// locked runs fn in a transaction with the account's lock marked held.
func (f *ledgerFixture) locked(key generic.AccountKey, fn func(context.Context, *generic.UnitOfWork) error) error {
	ctx := generic.WithHeldLocks(context.Background(), generic.BalanceLockKey(key))
	return f.store.WithTx(ctx, func(s generic.Store) error {
		return fn(ctx, generic.NewUnitOfWork(s, f.actor, testNow))
	})
}

func (f *ledgerFixture) account(t *testing.T) generic.Account {
	t.Helper()
	acct, err := f.store.GetAccount(context.Background(), alice)
	require.NoError(t, err)
	return acct
}

// =============================================================================
// HOLDS
// =============================================================================

func TestReserveHold_ReducesAvailable(t *testing.T) {
	// GIVEN: Balance 10
	// WHEN: Reserve 3
	// THEN: Balance still 10, pending 3, available 7
	f := newLedgerFixture(t, 10)

	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.ReserveHold(ctx, uow, alice, generic.Days(3), "req-1")
		return err
	})
	require.NoError(t, err)

	acct := f.account(t)
	assert.True(t, acct.Balance.Equal(generic.Days(10)))
	assert.True(t, acct.PendingHold.Equal(generic.Days(3)))
	assert.True(t, acct.Available().Equal(generic.Days(7)))
	assert.NoError(t, f.ledger.Verify(context.Background(), f.store, alice))
}

func TestReserveHold_InsufficientBalance_LeavesNoTrace(t *testing.T) {
	// GIVEN: Balance 2
	// WHEN: Reserve 3
	// THEN: InsufficientBalance, no hold created, ledger unchanged
	f := newLedgerFixture(t, 2)

	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.ReserveHold(ctx, uow, alice, generic.Days(3), "req-1")
		return err
	})

	var ibe *generic.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	assert.True(t, ibe.Available.Equal(generic.Days(2)))
	assert.True(t, errors.Is(err, generic.ErrInsufficientBalance))

	holds, _ := f.store.ActiveHolds(context.Background(), alice)
	assert.Empty(t, holds)
	entries, _ := f.store.Entries(context.Background(), alice)
	assert.Len(t, entries, 1)
	assert.True(t, f.account(t).PendingHold.IsZero())
}

func TestReserveHold_CountsExistingHolds(t *testing.T) {
	// GIVEN: Balance 5 with a 3 day hold
	// WHEN: Reserve 3 more
	// THEN: Rejected, only 2 available
	f := newLedgerFixture(t, 5)
	require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.ReserveHold(ctx, uow, alice, generic.Days(3), "req-1")
		return err
	}))

	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.ReserveHold(ctx, uow, alice, generic.Days(3), "req-2")
		return err
	})
	assert.True(t, errors.Is(err, generic.ErrInsufficientBalance))
}

func TestReserveHold_RequiresLock(t *testing.T) {
	f := newLedgerFixture(t, 5)
	err := f.store.WithTx(context.Background(), func(s generic.Store) error {
		_, err := f.ledger.ReserveHold(context.Background(), generic.NewUnitOfWork(s, f.actor, testNow), alice, generic.Days(1), "req-1")
		return err
	})
	assert.ErrorIs(t, err, generic.ErrLockNotHeld)
}

func TestReleaseHold_IsIdempotent(t *testing.T) {
	f := newLedgerFixture(t, 5)
	var hold generic.Hold
	require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var err error
		hold, err = f.ledger.ReserveHold(ctx, uow, alice, generic.Days(2), "req-1")
		return err
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
			_, err := f.ledger.ReleaseHold(ctx, uow, hold.ID)
			return err
		}))
	}

	acct := f.account(t)
	assert.True(t, acct.PendingHold.IsZero())
	assert.True(t, acct.Balance.Equal(generic.Days(5)))
	assert.NoError(t, f.ledger.Verify(context.Background(), f.store, alice))
}

func TestConsumeHold_WithDeduction(t *testing.T) {
	// GIVEN: Balance 20, hold of 3
	// WHEN: Consume hold and post -3 deduction in one unit of work
	// THEN: Balance 17, pending 0
	f := newLedgerFixture(t, 20)
	var hold generic.Hold
	require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var err error
		hold, err = f.ledger.ReserveHold(ctx, uow, alice, generic.Days(3), "req-1")
		return err
	}))

	require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		if _, err := f.ledger.ConsumeHold(ctx, uow, hold.ID); err != nil {
			return err
		}
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(-3), Reason: generic.ReasonDeduction,
			ReferenceID: "req-1", IdempotencyKey: "deduction:req-1",
		})
		return err
	}))

	acct := f.account(t)
	assert.True(t, acct.Balance.Equal(generic.Days(17)))
	assert.True(t, acct.PendingHold.IsZero())
	assert.NoError(t, f.ledger.Verify(context.Background(), f.store, alice))
}

// =============================================================================
// POSTS
// =============================================================================

func TestPost_RejectsOverdraw(t *testing.T) {
	f := newLedgerFixture(t, 2)
	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(-3), Reason: generic.ReasonDeduction,
		})
		return err
	})
	assert.ErrorIs(t, err, generic.ErrInsufficientBalance)
	assert.True(t, f.account(t).Balance.Equal(generic.Days(2)))
}

func TestPost_AdjustmentMayGoNegative(t *testing.T) {
	f := newLedgerFixture(t, 2)
	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(-3), Reason: generic.ReasonAdjustment,
		})
		return err
	})
	require.NoError(t, err)
	assert.True(t, f.account(t).Balance.Equal(generic.Days(-1)))
}

func TestPost_DuplicateIdempotencyKey(t *testing.T) {
	// GIVEN: A post with key "grant:2025"
	// WHEN: Posted again with the same key
	// THEN: AlreadyProcessed, balance moved once
	f := newLedgerFixture(t, 0)
	post := func() error {
		return f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
			_, err := f.ledger.Post(ctx, uow, generic.PostInput{
				Account: alice, Delta: generic.Days(20), Reason: generic.ReasonGrant,
				IdempotencyKey: "grant:2025",
			})
			return err
		})
	}

	require.NoError(t, post())
	err := post()
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.True(t, f.account(t).Balance.Equal(generic.Days(20)))
}

func TestPost_QueuesAuditEntry(t *testing.T) {
	f := newLedgerFixture(t, 0)
	var audit []generic.AuditEntry
	require.NoError(t, f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(5), Reason: generic.ReasonGrant,
		})
		audit = uow.AuditEntries()
		return err
	}))

	require.Len(t, audit, 1)
	assert.Equal(t, "ledger_grant", audit[0].Action)
	assert.Equal(t, "5", audit[0].After["balance"])
	assert.Equal(t, "0", audit[0].Before["balance"])
}

func TestTransactionRollback_DiscardsPost(t *testing.T) {
	// GIVEN: A post followed by a failing step in the same transaction
	// THEN: Neither entry nor balance change survive
	f := newLedgerFixture(t, 5)
	boom := errors.New("boom")
	err := f.locked(alice, func(ctx context.Context, uow *generic.UnitOfWork) error {
		if _, err := f.ledger.Post(ctx, uow, generic.PostInput{
			Account: alice, Delta: generic.Days(5), Reason: generic.ReasonAccrual,
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, f.account(t).Balance.Equal(generic.Days(5)))
	entries, _ := f.store.Entries(context.Background(), alice)
	assert.Len(t, entries, 1)
}

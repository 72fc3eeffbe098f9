package carryover

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/lock"
	"github.com/warp/leave-engine/txn"
)

var (
	seedNow = time.Date(2025, time.December, 15, 9, 0, 0, 0, time.UTC)
	testNow = time.Date(2026, time.January, 1, 2, 0, 0, 0, time.UTC)
)

func policy(max float64) generic.CarryoverPolicy {
	return generic.CarryoverPolicy{
		LeaveType:        "annual",
		MaxCarryoverDays: decimal.NewFromFloat(max),
	}
}

type fixture struct {
	proc   *Processor
	tx     *txn.Manager
	ledger *generic.Ledger
	store  *store.TxMemory
	clock  *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := seedNow
	f := &fixture{store: store.NewTxMemory(), clock: &now}
	clock := generic.Clock(func() time.Time { return *f.clock })
	f.ledger = generic.NewLedger(clock)
	f.tx = txn.NewManager(f.store, txn.Options{Locker: lock.NewMemory(clock), Clock: clock})
	f.proc = NewProcessor(f.tx, f.ledger, nil, DefaultConfig())
	return f
}

// post opens the account if needed and applies one ledger entry.
func (f *fixture) post(t *testing.T, user generic.UserID, delta float64, reason generic.EntryReason) {
	t.Helper()
	key := generic.AccountKey{UserID: user, LeaveType: "annual"}
	err := f.tx.Run(context.Background(), txn.Op{
		Name: "seed", Actor: generic.SystemActor(), Locks: []string{generic.BalanceLockKey(key)},
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		if _, err := f.ledger.OpenAccount(ctx, uow, key); err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		_, err := f.ledger.Post(ctx, uow, generic.PostInput{Account: key, Delta: generic.Days(delta), Reason: reason})
		return err
	})
	require.NoError(t, err)
}

// hold reserves days against the user's account.
func (f *fixture) hold(t *testing.T, user generic.UserID, days float64) {
	t.Helper()
	key := generic.AccountKey{UserID: user, LeaveType: "annual"}
	err := f.tx.Run(context.Background(), txn.Op{
		Name: "hold", Actor: generic.SystemActor(), Locks: []string{generic.BalanceLockKey(key)},
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		_, err := f.ledger.ReserveHold(ctx, uow, key, generic.Days(days), generic.RequestID("req-"+string(user)))
		return err
	})
	require.NoError(t, err)
}

// at moves the fixture clock.
func (f *fixture) at(now time.Time) { *f.clock = now }

func (f *fixture) balance(t *testing.T, user generic.UserID) string {
	t.Helper()
	key := generic.AccountKey{UserID: user, LeaveType: "annual"}
	require.NoError(t, f.ledger.Verify(context.Background(), f.store, key))
	b, err := f.ledger.Balance(context.Background(), f.store, key)
	require.NoError(t, err)
	return b.Value.String()
}

// =============================================================================
// COMPUTE
// =============================================================================

func TestCompute(t *testing.T) {
	tests := []struct {
		name                  string
		balance               float64
		max                   float64
		encash                bool
		carry, expired, money string
	}{
		{"over cap", 12, 5, false, "5", "7", "0"},
		{"under cap", 3, 5, false, "3", "0", "0"},
		{"zero cap", 4, 0, false, "0", "4", "0"},
		{"encashed", 12, 5, true, "5", "7", "1050"},
		{"fractional", 7.5, 5, true, "5", "2.5", "375"},
		{"negative balance", -2, 5, true, "0", "0", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy(tt.max)
			p.AllowEncashment = tt.encash
			p.EncashmentRate = decimal.NewFromInt(150)

			got := Compute(generic.Days(tt.balance), p)
			assert.Equal(t, tt.carry, got.CarryoverDays.Value.String())
			assert.Equal(t, tt.expired, got.ExpiredDays.Value.String())
			assert.Equal(t, tt.money, got.EncashmentAmount.String())
		})
	}
}

func TestComputeHeld(t *testing.T) {
	tests := []struct {
		name                     string
		balance, held            float64
		carry, heldDays, expired string
	}{
		{"hold under free days", 20, 10, "15", "10", "5"},
		{"hold covers the balance", 12, 10, "12", "10", "0"},
		{"hold above the balance", 4, 10, "4", "4", "0"},
		{"no hold", 12, 0, "5", "0", "7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeHeld(generic.Days(tt.balance), generic.Days(tt.held), policy(5))
			assert.Equal(t, tt.carry, got.CarryoverDays.Value.String())
			assert.Equal(t, tt.heldDays, got.HeldDays.Value.String())
			assert.Equal(t, tt.expired, got.ExpiredDays.Value.String())
		})
	}
}

// =============================================================================
// YEAR END
// =============================================================================

func TestProcessYearEnd_CapsAndExpires(t *testing.T) {
	// GIVEN: Balance 12, max carryover 5, no encashment
	// WHEN: Year end 2025
	// THEN: carryover 5, expired 7, encashment 0, new balance 5
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(testNow)

	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	require.NoError(t, err)
	assert.Equal(t, "12", rec.PreviousBalance.Value.String())
	assert.Equal(t, "5", rec.CarryoverDays.Value.String())
	assert.Equal(t, "7", rec.ExpiredDays.Value.String())
	assert.True(t, rec.EncashmentAmount.IsZero())
	assert.Equal(t, "5", rec.NewBalance.Value.String())
	assert.Nil(t, rec.ExpiresAt)
	assert.Equal(t, "5", f.balance(t, "alice"))

	entries, err := f.store.Entries(ctx, generic.AccountKey{UserID: "alice", LeaveType: "annual"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, generic.ReasonExpiry, entries[1].Reason)
	assert.Equal(t, "-12", entries[1].Delta.Value.String())
	assert.Equal(t, generic.ReasonCarryover, entries[2].Reason)
}

func TestProcessYearEnd_SecondRunIsAlreadyProcessed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(testNow)

	_, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	require.NoError(t, err)

	_, err = f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	assert.ErrorIs(t, err, generic.ErrCarryoverProcessed)
	assert.ErrorIs(t, err, generic.ErrAlreadyProcessed)
	assert.Equal(t, "5", f.balance(t, "alice"), "no second credit")
}

func TestProcessYearEnd_HeldDaysNeverExpire(t *testing.T) {
	// GIVEN: Balance 20 with 10 days held by a pending request, max 5
	// WHEN: Year end 2025
	// THEN: The held 10 plus 5 free days carry; the request can still be deducted
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 20, generic.ReasonGrant)
	f.hold(t, "alice", 10)
	f.at(testNow)

	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	require.NoError(t, err)
	assert.Equal(t, "15", rec.CarryoverDays.Value.String())
	assert.Equal(t, "5", rec.ExpiredDays.Value.String())
	assert.Equal(t, "15", f.balance(t, "alice"))

	acct, err := f.store.GetAccount(ctx, generic.AccountKey{UserID: "alice", LeaveType: "annual"})
	require.NoError(t, err)
	assert.Equal(t, "10", acct.PendingHold.Value.String())
	assert.Equal(t, "5", acct.Available().Value.String())

	f.post(t, "alice", -10, generic.ReasonDeduction)
	assert.Equal(t, "5", f.balance(t, "alice"))
}

func TestProcessYearEnd_ClosesOnlyEntriesBeforeYearEnd(t *testing.T) {
	// GIVEN: 12 days granted in 2025 and 20 more granted in 2026
	// WHEN: Year end 2025 runs in March 2026
	// THEN: Only the 2025 days are capped; the 2026 grant is untouched
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))
	f.post(t, "alice", 20, generic.ReasonGrant)
	f.at(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))

	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	require.NoError(t, err)
	assert.Equal(t, "12", rec.PreviousBalance.Value.String())
	assert.Equal(t, "7", rec.ExpiredDays.Value.String())
	assert.Equal(t, "25", rec.NewBalance.Value.String())
	assert.Equal(t, "25", f.balance(t, "alice"))
}

func TestProcessYearEnd_DaysTakenSinceYearEndComeOutOfTheOldYear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC))
	f.post(t, "alice", -9, generic.ReasonDeduction)

	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(5), 2025)
	require.NoError(t, err)
	assert.Equal(t, "3", rec.PreviousBalance.Value.String())
	assert.Equal(t, "3", rec.CarryoverDays.Value.String())
	assert.Equal(t, "3", f.balance(t, "alice"))
}

func TestProcessYearEnd_Guards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 1, generic.ReasonGrant)
	f.at(testNow)

	clerk := generic.NewActor("clerk", generic.PermDecide)
	_, err := f.proc.ProcessYearEnd(ctx, clerk, "alice", policy(5), 2025)
	assert.ErrorIs(t, err, generic.ErrPermissionDenied)

	_, err = f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", policy(-1), 2025)
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "nobody", policy(5), 2025)
	assert.ErrorIs(t, err, generic.ErrAccountNotFound)

	f.post(t, "newhire", 16, generic.ReasonGrant)
	_, err = f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "newhire", policy(5), 2025)
	assert.ErrorIs(t, err, generic.ErrOpenedAfterYearEnd)
}

func TestProcessYearEnd_EncashmentIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 10, generic.ReasonGrant)
	f.at(testNow)

	var published []generic.EventType
	f.tx = txn.NewManager(f.store, txn.Options{
		Locker:     lock.NewMemory(generic.FixedClock(testNow)),
		Clock:      generic.FixedClock(testNow),
		Dispatcher: dispatcherFunc(func(e generic.Event) { published = append(published, e.Type) }),
	})
	f.proc = NewProcessor(f.tx, f.ledger, nil, DefaultConfig())

	p := policy(4)
	p.AllowEncashment = true
	p.EncashmentRate = decimal.NewFromFloat(100.5)

	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", p, 2025)
	require.NoError(t, err)
	assert.Equal(t, "603", rec.EncashmentAmount.String())
	assert.Equal(t, "4", f.balance(t, "alice"), "encashment never touches the balance beyond expiry")
	assert.Equal(t, []generic.EventType{generic.EventCarryoverProcessed, generic.EventEncashmentRecorded}, published)
}

type dispatcherFunc func(generic.Event)

func (d dispatcherFunc) Publish(_ context.Context, e generic.Event) { d(e) }

// =============================================================================
// BULK
// =============================================================================

func TestBulkProcess_IsolatesFailures(t *testing.T) {
	// GIVEN: Three accounts, one already processed, one with a busy lock
	// WHEN: Bulk year end
	// THEN: Each user gets its own result; the batch completes
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.post(t, "bob", 3, generic.ReasonGrant)
	f.post(t, "carol", 8, generic.ReasonGrant)
	f.at(testNow)

	_, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "bob", policy(5), 2025)
	require.NoError(t, err)

	locker := lock.NewMemory(generic.FixedClock(testNow))
	f.tx = txn.NewManager(f.store, txn.Options{Locker: locker, Clock: generic.FixedClock(testNow)})
	f.proc = NewProcessor(f.tx, f.ledger, nil, Config{Retries: 0, Concurrency: 2})
	_, ok, err := locker.TryLock(ctx, "balance:carol:annual", "someone-else", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := f.proc.BulkProcess(ctx, generic.SystemActor(), policy(5), 2025)
	require.NoError(t, err)
	require.Len(t, report.Results, 3)

	byUser := map[generic.UserID]Result{}
	for _, r := range report.Results {
		byUser[r.UserID] = r
	}
	assert.Equal(t, OutcomeProcessed, byUser["alice"].Outcome)
	assert.Equal(t, OutcomeSkipped, byUser["bob"].Outcome)
	assert.Equal(t, OutcomeFailed, byUser["carol"].Outcome)
	assert.ErrorIs(t, byUser["carol"].Err, generic.ErrConflict)

	assert.Equal(t, 1, report.Count(OutcomeProcessed))
	assert.Equal(t, "5", f.balance(t, "alice"))
	assert.Equal(t, "8", f.balance(t, "carol"))
}

func TestBulkProcess_SkipsAccountsOpenedAfterYearEnd(t *testing.T) {
	// GIVEN: alice holds 12 days from 2025; newhire is granted 16 days in March 2026
	// WHEN: The 2025 batch runs in March
	// THEN: alice is closed, newhire is skipped with the grant intact
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	f.post(t, "newhire", 16, generic.ReasonGrant)

	report, err := f.proc.BulkProcess(ctx, generic.SystemActor(), policy(5), 2025)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.Equal(t, generic.UserID("alice"), report.Results[0].UserID)
	assert.Equal(t, OutcomeProcessed, report.Results[0].Outcome)
	assert.Equal(t, generic.UserID("newhire"), report.Results[1].UserID)
	assert.Equal(t, OutcomeSkipped, report.Results[1].Outcome)
	assert.ErrorIs(t, report.Results[1].Err, generic.ErrOpenedAfterYearEnd)

	assert.Equal(t, "5", f.balance(t, "alice"))
	assert.Equal(t, "16", f.balance(t, "newhire"))
	_, err = f.store.GetCarryoverRecord(ctx, "newhire", 2025)
	assert.True(t, generic.IsNotFound(err))
}

// =============================================================================
// CARRIED-DAY EXPIRY
// =============================================================================

func TestExpireCarriedOver_ExpiresOnlyUnusedDays(t *testing.T) {
	// GIVEN: 5 days carried into 2026 expiring after 3 months, 2 days used
	// WHEN: Expiry runs on April 1
	// THEN: 3 days expire, once
	ctx := context.Background()
	f := newFixture(t)
	f.post(t, "alice", 12, generic.ReasonGrant)
	f.at(testNow)

	p := policy(5)
	p.ExpiryMonths = 3
	rec, err := f.proc.ProcessYearEnd(ctx, generic.SystemActor(), "alice", p, 2025)
	require.NoError(t, err)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, "2026-03-31", rec.ExpiresAt.Format("2006-01-02"))

	f.at(testNow.Add(30 * 24 * time.Hour))
	f.post(t, "alice", -2, generic.ReasonDeduction)
	f.post(t, "alice", 20, generic.ReasonGrant)

	early, err := f.proc.ExpireCarriedOver(ctx, generic.SystemActor(), 2025, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, early.Results)

	f.at(time.Date(2026, time.April, 1, 1, 0, 0, 0, time.UTC))
	report, err := f.proc.ExpireCarriedOver(ctx, generic.SystemActor(), 2025, *f.clock)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeProcessed, report.Results[0].Outcome)
	assert.True(t, report.Results[0].Record.ExpiredCarryover)
	assert.Equal(t, "20", f.balance(t, "alice"))

	again, err := f.proc.ExpireCarriedOver(ctx, generic.SystemActor(), 2025, *f.clock)
	require.NoError(t, err)
	assert.Empty(t, again.Results)
}

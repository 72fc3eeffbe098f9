package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/generic/store"
	"github.com/warp/leave-engine/lock"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type recordingSink struct {
	mu      sync.Mutex
	entries []generic.AuditEntry
	err     error
}

func (s *recordingSink) Record(_ context.Context, e generic.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []generic.Event
}

func (d *recordingDispatcher) Publish(_ context.Context, e generic.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, e)
}

var testNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newTestManager(opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = generic.FixedClock(testNow)
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewMemory(opts.Clock)
	}
	m := NewManager(store.NewTxMemory(), opts)
	m.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return m
}

// =============================================================================
// COMMIT / ROLLBACK
// =============================================================================

func TestRun_SideEffectsOnlyAfterCommit(t *testing.T) {
	// GIVEN: A unit of work that emits an event and an audit entry
	// WHEN: It fails
	// THEN: Nothing is published or audited
	sink, bus := &recordingSink{}, &recordingDispatcher{}
	m := newTestManager(Options{Audit: sink, Dispatcher: bus})

	boom := errors.New("boom")
	err := m.Execute(context.Background(), "failing", 0, func(ctx context.Context, uow *generic.UnitOfWork) error {
		uow.Emit(generic.Event{Type: generic.EventSubmitted})
		uow.Audit("request", "r1", "submit", nil, nil)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Empty(t, bus.events)
	assert.Empty(t, sink.entries)

	// WHEN: It succeeds
	// THEN: Both are released once
	var hookRan bool
	err = m.Execute(context.Background(), "ok", 0, func(ctx context.Context, uow *generic.UnitOfWork) error {
		uow.Emit(generic.Event{Type: generic.EventSubmitted})
		uow.Audit("request", "r1", "submit", nil, nil)
		uow.AfterCommit(func(context.Context) { hookRan = true })
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, bus.events, 1)
	assert.Len(t, sink.entries, 1)
	assert.Equal(t, testNow, bus.events[0].OccurredAt)
	assert.True(t, hookRan)
}

func TestRun_AuditFailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sink := &recordingSink{err: errors.New("disk full")}
	m := newTestManager(Options{Audit: sink, Logger: zap.New(core)})

	err := m.Execute(context.Background(), "ledger.post", 0, func(ctx context.Context, uow *generic.UnitOfWork) error {
		uow.Audit("ledger_entry", "e1", "ledger_grant", nil, nil)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, logs.FilterMessage("audit sink failed").Len())
	assert.Equal(t, "ledger.post", logs.All()[0].ContextMap()["op"])
}

// =============================================================================
// RETRY
// =============================================================================

func TestRun_RetriesConflictThenSucceeds(t *testing.T) {
	m := newTestManager(Options{})
	calls := 0
	err := m.Execute(context.Background(), "flaky", 3, func(ctx context.Context, uow *generic.UnitOfWork) error {
		calls++
		if calls < 3 {
			return generic.ErrWriteConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRun_ExhaustedRetriesBecomeDatabaseError(t *testing.T) {
	m := newTestManager(Options{})
	calls := 0
	err := m.Execute(context.Background(), "always-busy", 2, func(ctx context.Context, uow *generic.UnitOfWork) error {
		calls++
		return generic.ErrWriteConflict
	})

	var dbErr *generic.DatabaseError
	require.True(t, errors.As(err, &dbErr))
	assert.Equal(t, 3, dbErr.Attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, generic.ErrDatabase)
	assert.False(t, generic.IsRetryable(err))
	assert.Equal(t, "database_error", generic.Kind(err))
}

func TestRun_NoRetriesReturnsConflict(t *testing.T) {
	m := newTestManager(Options{})
	err := m.Execute(context.Background(), "interactive", 0, func(ctx context.Context, uow *generic.UnitOfWork) error {
		return generic.ErrLockBusy
	})
	assert.ErrorIs(t, err, generic.ErrConflict)
	assert.Equal(t, "conflict", generic.Kind(err))
}

func TestRun_NonRetryableErrorIsNotRetried(t *testing.T) {
	m := newTestManager(Options{})
	calls := 0
	err := m.Execute(context.Background(), "invalid", 5, func(ctx context.Context, uow *generic.UnitOfWork) error {
		calls++
		return generic.Invalid("days", "must be positive")
	})
	assert.ErrorIs(t, err, generic.ErrValidation)
	assert.Equal(t, 1, calls)
}

func TestRun_CancelledContextStopsRetrying(t *testing.T) {
	m := newTestManager(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := m.Execute(ctx, "cancelled", 5, func(ctx context.Context, uow *generic.UnitOfWork) error {
		calls++
		cancel()
		return generic.ErrWriteConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// LOCKS
// =============================================================================

func TestRun_LocksAreHeldDuringWorkAndReleasedAfter(t *testing.T) {
	locker := lock.NewMemory(generic.FixedClock(testNow))
	m := newTestManager(Options{Locker: locker})
	key := generic.BalanceLockKey(generic.AccountKey{UserID: "alice", LeaveType: "annual"})

	err := m.Run(context.Background(), Op{Name: "locked", Actor: generic.SystemActor(), Locks: []string{key}},
		func(ctx context.Context, uow *generic.UnitOfWork) error {
			assert.True(t, generic.LockHeld(ctx, key))
			_, held := locker.Holder(key)
			assert.True(t, held)
			return nil
		})
	require.NoError(t, err)

	_, held := locker.Holder(key)
	assert.False(t, held)
}

func TestRun_BusyLock(t *testing.T) {
	locker := lock.NewMemory(generic.FixedClock(testNow))
	m := newTestManager(Options{Locker: locker})
	key := "request:r1"
	_, ok, _ := locker.TryLock(context.Background(), key, "someone-else", time.Minute)
	require.True(t, ok)

	calls := 0
	work := func(ctx context.Context, uow *generic.UnitOfWork) error { calls++; return nil }

	// Fail fast
	err := m.Run(context.Background(), Op{Name: "decide", Locks: []string{key}}, work)
	assert.ErrorIs(t, err, generic.ErrLockBusy)

	// With retries the exhausted conflict becomes a DatabaseError
	err = m.Run(context.Background(), Op{Name: "decide", Locks: []string{key}, MaxRetries: 2}, work)
	assert.ErrorIs(t, err, generic.ErrDatabase)
	assert.Equal(t, 0, calls)
}

func TestBackoff_Bounded(t *testing.T) {
	m := NewManager(store.NewTxMemory(), Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond})
	for attempt := 0; attempt < 40; attempt++ {
		d := m.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 50*time.Millisecond)
	}
}

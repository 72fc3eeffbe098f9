/*
Package txn is the Transaction Manager: every state change in the engine
runs as one unit of work through Manager.Run.

ONE ATTEMPT:
  1. Acquire the operation's lock keys (sorted, all-or-nothing)
  2. Begin a store transaction and build a fresh UnitOfWork
  3. Run the work function
  4. Commit, or roll back on any error
  5. Release the locks

AFTER COMMIT (never inside the transaction):
  - AfterCommit hooks run
  - Audit entries are written to the AuditSink (failures are logged only)
  - Events are published to the Dispatcher

RETRY:
  Only conflict-class failures (generic.IsRetryable: lock busy, write
  conflict) are retried, up to MaxRetries times with exponential
  backoff and full jitter. Any other error returns immediately. When
  retries are exhausted the last conflict is wrapped in a
  generic.DatabaseError; with MaxRetries == 0 the conflict itself is
  returned so interactive callers can fail fast.

  Because each attempt gets a fresh UnitOfWork and side effects are
  buffered in it, a work function is safely repeatable.

USAGE:
  err := mgr.Run(ctx, txn.Op{
      Name:       "approval.submit",
      Actor:      actor,
      Locks:      []string{generic.BalanceLockKey(key)},
      MaxRetries: 0,
  }, func(ctx context.Context, uow *generic.UnitOfWork) error {
      _, err := ledger.ReserveHold(ctx, uow, key, days, id)
      return err
  })
*/
package txn

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/lock"
)

// Work is the body of a unit of work. It must only touch storage
// through uow.Store and must leave side effects to uow.
type Work func(ctx context.Context, uow *generic.UnitOfWork) error

// Op describes one unit of work.
type Op struct {
	Name       string
	Actor      generic.Actor
	Locks      []string
	MaxRetries int

	// Owner identifies the lock holder; defaults to actor id + random suffix.
	Owner string
	// LockTTL overrides the manager's default lock TTL.
	LockTTL time.Duration
}

// Options configures a Manager. Zero values get defaults.
type Options struct {
	Locker     lock.Locker
	Audit      generic.AuditSink
	Dispatcher generic.Dispatcher
	Logger     *zap.Logger
	Clock      generic.Clock

	BaseDelay time.Duration // first retry delay, default 20ms
	MaxDelay  time.Duration // cap on a single delay, default 1s
	LockTTL   time.Duration // default lock.DefaultTTL
}

type Manager struct {
	store generic.TxStore
	opts  Options
	log   *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewManager(store generic.TxStore, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 20 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = lock.DefaultTTL
	}
	return &Manager{
		store: store,
		opts:  opts,
		log:   opts.Logger.Named("txn"),
		sleep: sleepWithContext,
	}
}

// Store returns the underlying store for lock-free reads.
func (m *Manager) Store() generic.TxStore { return m.store }

// Execute runs work as the system actor without locks. Batch jobs that
// need locks use Run.
func (m *Manager) Execute(ctx context.Context, name string, maxRetries int, work Work) error {
	return m.Run(ctx, Op{Name: name, Actor: generic.SystemActor(), MaxRetries: maxRetries}, work)
}

// Run executes one unit of work with bounded retry on conflict.
func (m *Manager) Run(ctx context.Context, op Op, work Work) error {
	if op.Name == "" {
		op.Name = "unnamed"
	}
	if op.MaxRetries < 0 {
		op.MaxRetries = 0
	}
	if op.Owner == "" {
		op.Owner = string(op.Actor.ID) + ":" + uuid.NewString()
	}

	var lastErr error
	for attempt := 0; attempt <= op.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt - 1)
			m.log.Debug("retrying unit of work",
				zap.String("op", op.Name),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
		}

		uow, err := m.attempt(ctx, op, work)
		if err == nil {
			m.afterCommit(ctx, op, uow)
			return nil
		}
		if !generic.IsRetryable(err) {
			return err
		}
		lastErr = err
	}

	if op.MaxRetries == 0 {
		return lastErr
	}
	m.log.Warn("unit of work exhausted retries",
		zap.String("op", op.Name),
		zap.Int("attempts", op.MaxRetries+1),
		zap.Error(lastErr))
	return &generic.DatabaseError{Op: op.Name, Attempts: op.MaxRetries + 1, Err: lastErr}
}

func (m *Manager) attempt(ctx context.Context, op Op, work Work) (*generic.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var handles []lock.Handle
	if len(op.Locks) > 0 {
		if m.opts.Locker == nil {
			return nil, generic.Invalid("locks", "operation %s needs locks but no locker is configured", op.Name)
		}
		ttl := op.LockTTL
		if ttl <= 0 {
			ttl = m.opts.LockTTL
		}
		var err error
		handles, err = lock.AcquireAll(ctx, m.opts.Locker, op.Locks, op.Owner, ttl)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.ReleaseAll(context.WithoutCancel(ctx), handles); err != nil {
				m.log.Warn("lock release failed",
					zap.String("op", op.Name),
					zap.Strings("keys", lock.Keys(handles)),
					zap.Error(err))
			}
		}()
	}

	lockedCtx := generic.WithHeldLocks(ctx, lock.Keys(handles)...)
	var uow *generic.UnitOfWork
	err := m.store.WithTx(lockedCtx, func(s generic.Store) error {
		uow = generic.NewUnitOfWork(s, op.Actor, m.opts.Clock.Now())
		return work(lockedCtx, uow)
	})
	if err != nil {
		return nil, err
	}
	return uow, nil
}

func (m *Manager) afterCommit(ctx context.Context, op Op, uow *generic.UnitOfWork) {
	ctx = context.WithoutCancel(ctx)

	for _, hook := range uow.Hooks() {
		hook(ctx)
	}

	if m.opts.Audit != nil {
		for _, entry := range uow.AuditEntries() {
			if err := m.opts.Audit.Record(ctx, entry); err != nil {
				m.log.Warn("audit sink failed",
					zap.String("op", op.Name),
					zap.String("action", entry.Action),
					zap.String("entity_id", entry.EntityID),
					zap.Error(err))
			}
		}
	}

	if m.opts.Dispatcher != nil {
		for _, ev := range uow.Events() {
			m.opts.Dispatcher.Publish(ctx, ev)
		}
	}
}

// =============================================================================
// BACKOFF
// =============================================================================

const maxShift = 30

// backoff returns a full-jitter delay in [0, min(MaxDelay, BaseDelay·2^attempt)).
func (m *Manager) backoff(attempt int) time.Duration {
	if attempt > maxShift {
		attempt = maxShift
	}
	delay := m.opts.BaseDelay << attempt
	if delay <= 0 || delay > m.opts.MaxDelay {
		delay = m.opts.MaxDelay
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

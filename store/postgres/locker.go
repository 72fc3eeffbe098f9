// Package postgres hosts the Concurrency Controller for multi-node
// deployments: a TTL lock table on PostgreSQL shared by every engine
// process, while balances stay in the primary store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/lock"
)

// Conflict-class SQLSTATEs: serialization_failure, deadlock_detected, lock_not_available.
var conflictCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
}

// Pool is the part of *pgxpool.Pool the locker uses.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS resource_locks (
    key        TEXT PRIMARY KEY,
    owner      TEXT NOT NULL,
    token      TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
)`

const acquireSQL = `
INSERT INTO resource_locks (key, owner, token, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (key) DO UPDATE SET
    owner = EXCLUDED.owner,
    token = EXCLUDED.token,
    expires_at = EXCLUDED.expires_at
WHERE resource_locks.expires_at <= $5`

const releaseSQL = `DELETE FROM resource_locks WHERE key = $1 AND token = $2`

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

// Locker implements lock.Locker on a resource_locks table.
type Locker struct {
	pool  Pool
	clock generic.Clock
}

func NewLocker(pool Pool, clock generic.Clock) *Locker {
	return &Locker{pool: pool, clock: clock}
}

// EnsureSchema creates the lock table if missing.
func (l *Locker) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return translate("ensure schema", err)
	}
	return nil
}

func (l *Locker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (lock.Handle, bool, error) {
	now := l.clock.Now()
	token := uuid.NewString()

	tag, err := l.pool.Exec(ctx, acquireSQL, key, owner, token, now.Add(ttl), now)
	if err != nil {
		return nil, false, translate("acquire lock", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}
	return &handle{pool: l.pool, key: key, token: token}, true, nil
}

type handle struct {
	pool  Pool
	key   string
	token string
}

func (h *handle) Key() string { return h.key }

func (h *handle) Unlock(ctx context.Context) error {
	tag, err := h.pool.Exec(ctx, releaseSQL, h.key, h.token)
	if err != nil {
		return translate("release lock", err)
	}
	if tag.RowsAffected() == 0 {
		return generic.ErrLockNotHeld
	}
	return nil
}

func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && conflictCodes[pgErr.Code] {
		return fmt.Errorf("postgres: %s: %w", op, generic.ErrWriteConflict)
	}
	return &generic.DatabaseError{Op: op, Attempts: 1, Err: err}
}

var _ lock.Locker = (*Locker)(nil)

package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/lock"
)

// =============================================================================
// LOCKER - lock.Locker on the resource_locks table
// =============================================================================

// Locker shares locks between processes using one database file.
// It does not take the Store mutex: lock statements are single rows and
// the Transaction Manager never holds a lock call open across WithTx.
type Locker struct {
	db    *sql.DB
	clock generic.Clock
}

func NewLocker(store *Store, clock generic.Clock) *Locker {
	return &Locker{db: store.db, clock: clock}
}

// TryLock inserts the lock row, or takes over a row whose TTL elapsed.
func (l *Locker) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (lock.Handle, bool, error) {
	now := l.clock.Now()
	token := uuid.NewString()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO resource_locks (key, owner, token, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			owner = excluded.owner,
			token = excluded.token,
			expires_at = excluded.expires_at
		WHERE resource_locks.expires_at <= ?`,
		key, owner, token, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, false, mapError("acquire lock", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, mapError("acquire lock", err, nil)
	}
	if n == 0 {
		return nil, false, nil
	}
	return &lockHandle{db: l.db, key: key, token: token}, true, nil
}

type lockHandle struct {
	db    *sql.DB
	key   string
	token string
}

func (h *lockHandle) Key() string { return h.key }

func (h *lockHandle) Unlock(ctx context.Context) error {
	res, err := h.db.ExecContext(ctx,
		`DELETE FROM resource_locks WHERE key = ? AND token = ?`, h.key, h.token)
	if err != nil {
		return mapError("release lock", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("release lock", err, nil)
	}
	if n == 0 {
		return generic.ErrLockNotHeld
	}
	return nil
}

var _ lock.Locker = (*Locker)(nil)

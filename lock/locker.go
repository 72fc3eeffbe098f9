/*
Package lock is the Concurrency Controller: short-lived, TTL-bounded
exclusive locks on string keys.

KEYS:
  balance:{user}:{leave_type}   guards an account's balance and holds
  request:{id}                  guards a request's approval state

SEMANTICS:
  - TryLock never waits. A held, unexpired key answers acquired=false.
  - A lock whose TTL elapsed may be taken by anyone. The previous
    holder's Unlock then returns generic.ErrLockNotHeld.
  - Multi-key acquisition (AcquireAll) sorts keys first so two units of
    work can never wait on each other in opposite order.

IMPLEMENTATIONS:
  - memory.go:               single process
  - store/sqlite/locker.go:  resource_locks table, shared by processes on one file
  - store/postgres/locker.go: resource_locks table on Postgres

USAGE:
  handles, err := lock.AcquireAll(ctx, locker, keys, owner, 30*time.Second)
  if err != nil {
      return err // generic.ErrLockBusy is retryable
  }
  defer lock.ReleaseAll(ctx, handles)
*/
package lock

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/warp/leave-engine/generic"
)

// DefaultTTL bounds how long a crashed holder can block a key.
const DefaultTTL = 30 * time.Second

// Handle represents an acquired lock.
type Handle interface {
	Key() string
	// Unlock releases the lock. ErrLockNotHeld if it expired and was taken over.
	Unlock(ctx context.Context) error
}

// Locker acquires locks without blocking.
type Locker interface {
	// TryLock returns acquired=false when another owner holds an unexpired lock.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (Handle, bool, error)
}

// AcquireAll locks every key in sorted order, or none of them.
// Returns generic.ErrLockBusy when any key is held elsewhere.
func AcquireAll(ctx context.Context, l Locker, keys []string, owner string, ttl time.Duration) ([]Handle, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	sorted := dedupSorted(keys)

	handles := make([]Handle, 0, len(sorted))
	for _, key := range sorted {
		h, ok, err := l.TryLock(ctx, key, owner, ttl)
		if err == nil && !ok {
			err = generic.ErrLockBusy
		}
		if err != nil {
			_ = ReleaseAll(ctx, handles)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// ReleaseAll unlocks in reverse order and joins the failures.
func ReleaseAll(ctx context.Context, handles []Handle) error {
	var errs []error
	for i := len(handles) - 1; i >= 0; i-- {
		if err := handles[i].Unlock(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys returns the keys of the given handles.
func Keys(handles []Handle) []string {
	out := make([]string, len(handles))
	for i, h := range handles {
		out[i] = h.Key()
	}
	return out
}

func dedupSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/leave-engine/generic"
)

// =============================================================================
// MEMORY LOCKER - Single-process TTL locks
// =============================================================================

type Memory struct {
	mu    sync.Mutex
	clock generic.Clock
	held  map[string]memoryLock
}

type memoryLock struct {
	owner     string
	token     string
	expiresAt time.Time
}

func NewMemory(clock generic.Clock) *Memory {
	return &Memory{clock: clock, held: make(map[string]memoryLock)}
}

func (m *Memory) TryLock(ctx context.Context, key, owner string, ttl time.Duration) (Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if cur, ok := m.held[key]; ok && now.Before(cur.expiresAt) {
		return nil, false, nil
	}

	token := uuid.NewString()
	m.held[key] = memoryLock{owner: owner, token: token, expiresAt: now.Add(ttl)}
	return &memoryHandle{m: m, key: key, token: token}, true, nil
}

// Holder returns the current owner of key, if any unexpired lock exists.
func (m *Memory) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	if !ok || !m.clock.Now().Before(cur.expiresAt) {
		return "", false
	}
	return cur.owner, true
}

type memoryHandle struct {
	m     *Memory
	key   string
	token string
}

func (h *memoryHandle) Key() string { return h.key }

func (h *memoryHandle) Unlock(_ context.Context) error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	cur, ok := h.m.held[h.key]
	if !ok || cur.token != h.token {
		return generic.ErrLockNotHeld
	}
	delete(h.m.held, h.key)
	return nil
}

var _ Locker = (*Memory)(nil)

package generic

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS - Published to the notification dispatcher after commit
// =============================================================================

type EventType string

const (
	EventSubmitted          EventType = "submitted"
	EventApproved           EventType = "approved"
	EventRejected           EventType = "rejected"
	EventCancelled          EventType = "cancelled"
	EventEscalated          EventType = "escalated"
	EventStageAdvanced      EventType = "stage_advanced"
	EventCarryoverProcessed EventType = "carryover_processed"
	EventEncashmentRecorded EventType = "encashment_recorded"
)

type Event struct {
	Type       EventType
	UserID     UserID
	RequestID  RequestID
	Request    *LeaveRequest
	Carryover  *CarryoverRecord
	OccurredAt time.Time
}

// Dispatcher delivers events to subscribers (notifications, webhooks).
type Dispatcher interface {
	Publish(ctx context.Context, event Event)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditEntry struct {
	Actor      UserID
	Action     string
	EntityType string
	EntityID   string
	Before     map[string]any
	After      map[string]any
	Timestamp  time.Time
}

// AuditSink is best-effort: a failure is logged, never propagated into
// the business transaction.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}

// =============================================================================
// UNIT OF WORK - What a transaction body sees
// =============================================================================

// UnitOfWork is handed to every transaction body. It exposes the
// transactional Store and buffers side effects (events, audit entries,
// hooks) that the Transaction Manager releases only after commit. A
// fresh UnitOfWork is built per attempt, so a retried body starts clean.
type UnitOfWork struct {
	Store Store
	Actor Actor
	Now   time.Time

	events []Event
	audit  []AuditEntry
	hooks  []func(context.Context)
}

func NewUnitOfWork(store Store, actor Actor, now time.Time) *UnitOfWork {
	return &UnitOfWork{Store: store, Actor: actor, Now: now}
}

// Emit queues an event for post-commit publication.
func (u *UnitOfWork) Emit(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = u.Now
	}
	u.events = append(u.events, e)
}

// Audit queues an audit entry for post-commit recording.
func (u *UnitOfWork) Audit(entityType, entityID, action string, before, after map[string]any) {
	u.audit = append(u.audit, AuditEntry{
		Actor:      u.Actor.ID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     before,
		After:      after,
		Timestamp:  u.Now,
	})
}

// AfterCommit registers fn to run once the transaction committed.
func (u *UnitOfWork) AfterCommit(fn func(context.Context)) {
	u.hooks = append(u.hooks, fn)
}

func (u *UnitOfWork) Events() []Event               { return u.events }
func (u *UnitOfWork) AuditEntries() []AuditEntry    { return u.audit }
func (u *UnitOfWork) Hooks() []func(context.Context) { return u.hooks }

// =============================================================================
// HELD LOCKS - Carried on the context of a locked unit of work
// =============================================================================

type heldLocksKey struct{}

// WithHeldLocks marks keys as held by the current unit of work.
func WithHeldLocks(ctx context.Context, keys ...string) context.Context {
	held := make(map[string]bool)
	if prev, ok := ctx.Value(heldLocksKey{}).(map[string]bool); ok {
		for k := range prev {
			held[k] = true
		}
	}
	for _, k := range keys {
		held[k] = true
	}
	return context.WithValue(ctx, heldLocksKey{}, held)
}

// LockHeld reports whether key was acquired for the current unit of work.
func LockHeld(ctx context.Context, key string) bool {
	held, _ := ctx.Value(heldLocksKey{}).(map[string]bool)
	return held[key]
}

package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
)

// ZapAudit writes audit entries to a dedicated logger.
type ZapAudit struct {
	log *zap.Logger
}

func NewZapAudit(logger *zap.Logger) *ZapAudit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapAudit{log: logger.Named("audit")}
}

func (a *ZapAudit) Record(_ context.Context, e generic.AuditEntry) error {
	a.log.Info(e.Action,
		zap.String("actor", string(e.Actor)),
		zap.String("entity_type", e.EntityType),
		zap.String("entity_id", e.EntityID),
		zap.Any("before", e.Before),
		zap.Any("after", e.After),
		zap.Time("timestamp", e.Timestamp))
	return nil
}

// MemoryAudit keeps entries in memory for the admin audit endpoint.
type MemoryAudit struct {
	mu      sync.Mutex
	entries []generic.AuditEntry
}

func NewMemoryAudit() *MemoryAudit { return &MemoryAudit{} }

func (a *MemoryAudit) Record(_ context.Context, e generic.AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

// Entries returns a copy, optionally filtered by entity id.
func (a *MemoryAudit) Entries(entityID string) []generic.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []generic.AuditEntry
	for _, e := range a.entries {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// Tee records to every sink and returns the first error.
type Tee []generic.AuditSink

func (t Tee) Record(ctx context.Context, e generic.AuditEntry) error {
	var first error
	for _, s := range t {
		if err := s.Record(ctx, e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

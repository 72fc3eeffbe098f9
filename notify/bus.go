// Package notify delivers committed domain events to subscribers and
// writes audit entries. Both run after the transaction commits, so a
// failing subscriber or sink is logged and never affects the ledger.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
)

// Handler receives one event.
type Handler func(ctx context.Context, ev generic.Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus fans events out to the handlers subscribed to their type, in
// subscription order. It implements generic.Dispatcher.
type Bus struct {
	mu   sync.RWMutex
	subs map[generic.EventType][]subscription
	all  []subscription
	log  *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[generic.EventType][]subscription), log: logger.Named("notify")}
}

// Subscribe registers handler for the given event types. With no types it
// receives every event.
func (b *Bus) Subscribe(name string, handler Handler, types ...generic.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := subscription{name: name, handler: handler}
	if len(types) == 0 {
		b.all = append(b.all, s)
		return
	}
	for _, t := range types {
		b.subs[t] = append(b.subs[t], s)
	}
}

// Unsubscribe removes every registration with the name.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = without(b.all, name)
	for t, list := range b.subs {
		b.subs[t] = without(list, name)
	}
}

func without(list []subscription, name string) []subscription {
	out := list[:0:0]
	for _, s := range list {
		if s.name != name {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) Publish(ctx context.Context, ev generic.Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs[ev.Type])+len(b.all))
	targets = append(targets, b.subs[ev.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, s := range targets {
		if err := safeCall(ctx, s.handler, ev); err != nil {
			b.log.Warn("event handler failed",
				zap.String("handler", s.name),
				zap.String("event", string(ev.Type)),
				zap.String("request_id", string(ev.RequestID)),
				zap.Error(err))
		}
	}
}

func safeCall(ctx context.Context, h Handler, ev generic.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

// LogHandler writes each event as a structured log line.
func LogHandler(logger *zap.Logger) Handler {
	return func(_ context.Context, ev generic.Event) error {
		logger.Info("event",
			zap.String("type", string(ev.Type)),
			zap.String("user_id", string(ev.UserID)),
			zap.String("request_id", string(ev.RequestID)),
			zap.Time("occurred_at", ev.OccurredAt))
		return nil
	}
}

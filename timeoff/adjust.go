package timeoff

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/generic"
	"github.com/warp/leave-engine/txn"
)

// Adjuster applies manual corrections. An adjustment is the only ledger
// reason that may take a balance below zero.
type Adjuster struct {
	tx      *txn.Manager
	ledger  *generic.Ledger
	log     *zap.Logger
	retries int
}

func NewAdjuster(tx *txn.Manager, ledger *generic.Ledger, logger *zap.Logger, retries int) *Adjuster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adjuster{tx: tx, ledger: ledger, log: logger.Named("adjust"), retries: retries}
}

type Adjustment struct {
	Account        generic.AccountKey
	Delta          generic.Amount
	Note           string
	IdempotencyKey string // optional, from the caller
}

// Adjust posts the correction. A repeated IdempotencyKey returns the
// original entry and ErrDuplicateIdempotencyKey.
func (a *Adjuster) Adjust(ctx context.Context, actor generic.Actor, adj Adjustment) (generic.LedgerEntry, error) {
	if err := actor.Require(generic.PermAdjust); err != nil {
		return generic.LedgerEntry{}, err
	}
	if adj.Note == "" {
		return generic.LedgerEntry{}, generic.Invalid("note", "an adjustment needs a note")
	}

	var entry generic.LedgerEntry
	err := a.tx.Run(ctx, txn.Op{
		Name:       "timeoff.adjust",
		Actor:      actor,
		Locks:      []string{generic.BalanceLockKey(adj.Account)},
		MaxRetries: a.retries,
	}, func(ctx context.Context, uow *generic.UnitOfWork) error {
		var err error
		entry, err = a.ledger.Post(ctx, uow, generic.PostInput{
			Account:        adj.Account,
			Delta:          adj.Delta,
			Reason:         generic.ReasonAdjustment,
			ReferenceID:    adj.Note,
			IdempotencyKey: adj.IdempotencyKey,
		})
		return err
	})
	if err != nil && !errors.Is(err, generic.ErrDuplicateIdempotencyKey) {
		return generic.LedgerEntry{}, err
	}
	if err == nil {
		a.log.Info("balance adjusted",
			zap.String("account", adj.Account.String()),
			zap.String("delta", adj.Delta.Value.String()),
			zap.String("by", string(actor.ID)))
	}
	return entry, err
}

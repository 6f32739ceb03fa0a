// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/maternar/progression/internal/domain/cachekeys"
	"github.com/maternar/progression/internal/domain/progress"
	"github.com/maternar/progression/internal/domain/shared"
	"github.com/maternar/progression/pkg/logger"
	"github.com/maternar/progression/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// XP LEDGER
// Every XP change goes through Award so that total and weekly XP move
// together with an audit row, inside the caller's transaction.
// ══════════════════════════════════════════════════════════════════════════════

// XPLedger awards XP inside an open transaction.
type XPLedger struct {
	clock timeutil.Clock
	newID func() string
}

// NewXPLedger creates an XPLedger. A nil clock uses the system clock.
func NewXPLedger(clock timeutil.Clock) *XPLedger {
	if clock == nil {
		clock = timeutil.SystemClock{}
	}
	return &XPLedger{clock: clock, newID: uuid.NewString}
}

// Award adds amount to the user's total and weekly XP and appends a ledger
// row. Zero is a no-op; negative amounts are rejected.
func (l *XPLedger) Award(
	ctx context.Context,
	tx progress.TxRepository,
	userID string,
	amount int,
	source progress.XPSource,
	refID string,
) error {
	entry := &progress.XPLedgerEntry{
		ID:        l.newID(),
		UserID:    userID,
		Amount:    amount,
		Source:    source,
		RefID:     refID,
		CreatedAt: l.clock.Now().UTC(),
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}

	if err := tx.IncrementXP(ctx, userID, amount); err != nil {
		return err
	}
	return tx.AppendLedger(ctx, entry)
}

// ══════════════════════════════════════════════════════════════════════════════
// SHARED HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// logFailure logs err where it was detected, tagged with the request id
// carried by ctx. Outcomes the caller caused are logged at info; everything
// else at error.
func logFailure(ctx context.Context, log *logger.Logger, op, userID string, err error, fields ...logger.Field) {
	log = log.Ctx(ctx)
	fields = append(fields, logger.Operation(op), logger.UserID(userID), logger.Err(err))
	if shared.IsExpected(err) {
		log.Info("operation rejected", fields...)
		return
	}
	log.Error("operation failed", fields...)
}

func since(start time.Time) logger.Field {
	return logger.Latency(time.Since(start))
}

func requireID(op, field, value string) error {
	if value == "" {
		return shared.NewDomainError("progress", op, shared.ErrInvalidID, field+" is required")
	}
	return nil
}

// noopInvalidator and noopBroadcaster stand in for optional collaborators.
type noopInvalidator struct{}

func (noopInvalidator) Invalidate(context.Context, cachekeys.Event, ...string) bool { return false }

type noopBroadcaster struct{}

func (noopBroadcaster) NotifyUser(context.Context, string, string, any) {}

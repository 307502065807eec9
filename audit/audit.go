/*
audit.go - Fire-and-observe audit emitter

PURPOSE:
  Records who changed which monetary record, and how. Emission happens after
  the financial change has committed, so a failed audit write must never
  undo it: the Recorder logs the failure and returns.

USAGE:
    rec := audit.NewRecorder(store, logger)
    rec.Log(ctx, audit.Event{
        ActorID:    "staff-42",
        Action:     ledger.AuditMatchApplied,
        EntityType: audit.EntityInvoice,
        EntityID:   inv.ID,
        Metadata:   map[string]any{"amount": "400.00"},
    })

SEE ALSO:
  - ledger/store.go: AuditLog storage interface
  - matching/engine.go: Emits the per-match records
*/
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/ledger"
)

// Entity types used in audit records.
const (
	EntityInvoice         = "invoice"
	EntityBankTransaction = "bank_transaction"
	EntitySubscription    = "subscription"
	EntityMatch           = "reconciliation_match"
)

// Event is one audit record before it is stamped with an id and time.
type Event struct {
	ActorID    string
	Action     ledger.AuditAction
	EntityType string
	EntityID   string
	Metadata   map[string]any
}

// Emitter accepts audit events. Log never fails from the caller's view.
type Emitter interface {
	Log(ctx context.Context, e Event)
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder persists events to a ledger.AuditLog.
type Recorder struct {
	store  ledger.AuditLog
	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

func NewRecorder(store ledger.AuditLog, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func (r *Recorder) Log(ctx context.Context, e Event) {
	entry := ledger.AuditEntry{
		ID:         r.newID(),
		Timestamp:  r.now(),
		ActorID:    e.ActorID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Metadata:   e.Metadata,
	}
	// The caller's request may already be gone; the record should still land.
	if err := r.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Error("audit write failed",
			zap.String("action", string(e.Action)),
			zap.String("entity_type", e.EntityType),
			zap.String("entity_id", e.EntityID),
			zap.String("actor_id", e.ActorID),
			zap.Error(err),
		)
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Log(context.Context, Event) {}

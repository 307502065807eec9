package audit_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/ledger/store"
)

type failingLog struct{ ledger.AuditLog }

func (failingLog) AppendAudit(context.Context, ledger.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecorder_PersistsStampedEntry(t *testing.T) {
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem, zap.NewNop())

	rec.Log(context.Background(), audit.Event{
		ActorID:    "staff-1",
		Action:     ledger.AuditMatchApplied,
		EntityType: audit.EntityInvoice,
		EntityID:   "inv-1",
		Metadata:   map[string]any{"amount": "400.00"},
	})

	got, err := mem.QueryAudit(context.Background(), ledger.AuditFilter{EntityID: "inv-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "staff-1", got[0].ActorID)
	assert.Equal(t, "400.00", got[0].Metadata["amount"])
}

func TestRecorder_SurvivesCancelledContext(t *testing.T) {
	mem := store.NewMemory()
	rec := audit.NewRecorder(mem, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.Log(ctx, audit.Event{Action: ledger.AuditMatchApplied, EntityType: audit.EntityInvoice, EntityID: "inv-1"})

	got, err := mem.QueryAudit(context.Background(), ledger.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRecorder_FailureIsLoggedNotReturned(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	rec := audit.NewRecorder(failingLog{}, zap.New(core))

	assert.NotPanics(t, func() {
		rec.Log(context.Background(), audit.Event{Action: ledger.AuditMatchApplied, EntityID: "inv-1"})
	})
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "audit write failed", logs.All()[0].Message)
}

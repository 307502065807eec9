package matching_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/ledger/store"
	"github.com/warp/recon-engine/matching"
)

// =============================================================================
// FIXTURE
// =============================================================================

var applyTime = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

type fixture struct {
	t   *testing.T
	ctx context.Context
	mem *store.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, ctx: context.Background(), mem: store.NewMemory()}
}

func (f *fixture) tx(id, amount, currency string) {
	f.t.Helper()
	require.NoError(f.t, f.mem.SaveBankTransaction(f.ctx, ledger.BankTransaction{
		ID: id, Amount: amt(amount), Currency: currency,
	}))
}

func (f *fixture) invoice(id, total, currency string) {
	f.t.Helper()
	require.NoError(f.t, f.mem.SaveInvoice(f.ctx, ledger.Invoice{
		ID: id, InvoiceNumber: "INV-" + id, Total: amt(total), Currency: currency,
	}))
}

func (f *fixture) subscription(id string, status ledger.SubscriptionStatus, commitment string) {
	f.t.Helper()
	s := ledger.Subscription{ID: id, InvestorID: "investor-1", Status: status}
	if commitment != "" {
		s.Commitment = decimal.NewNullDecimal(amt(commitment))
	}
	require.NoError(f.t, f.mem.SaveSubscription(f.ctx, s))
}

func (f *fixture) fee(id, invoiceID, subID string, feeType ledger.FeeType, amount string) {
	f.t.Helper()
	require.NoError(f.t, f.mem.SaveFeeEvent(f.ctx, ledger.FeeEvent{
		ID: id, InvoiceID: invoiceID, AllocationID: subID, FeeType: feeType,
		ComputedAmount: amt(amount), Status: ledger.FeeInvoiced,
	}))
}

func (f *fixture) engine(opts ...matching.Option) *matching.Engine {
	return f.engineOn(f.mem, opts...)
}

func (f *fixture) engineOn(repo ledger.TxRepository, opts ...matching.Option) *matching.Engine {
	base := []matching.Option{matching.WithAudit(audit.NewRecorder(f.mem, zap.NewNop()))}
	return matching.NewEngine(repo, append(base, opts...)...)
}

func (f *fixture) getTx(id string) ledger.BankTransaction {
	f.t.Helper()
	txn, err := f.mem.GetBankTransaction(f.ctx, id)
	require.NoError(f.t, err)
	return *txn
}

func (f *fixture) getInvoice(id string) ledger.Invoice {
	f.t.Helper()
	inv, err := f.mem.GetInvoice(f.ctx, id)
	require.NoError(f.t, err)
	return *inv
}

func (f *fixture) getSubscription(id string) ledger.Subscription {
	f.t.Helper()
	s, err := f.mem.GetSubscription(f.ctx, id)
	require.NoError(f.t, err)
	return *s
}

func (f *fixture) matches(txID string, statuses ...ledger.MatchStatus) []ledger.ReconciliationMatch {
	f.t.Helper()
	out, err := f.mem.ListMatchesByTransaction(f.ctx, txID, statuses...)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) auditFor(action ledger.AuditAction) []ledger.AuditEntry {
	f.t.Helper()
	out, err := f.mem.QueryAudit(f.ctx, ledger.AuditFilter{Actions: []ledger.AuditAction{action}})
	require.NoError(f.t, err)
	return out
}

func manual(txID, invoiceID string) matching.ManualMatchRequest {
	return matching.ManualMatchRequest{BankTransactionID: txID, InvoiceID: invoiceID, ActorID: "staff-1"}
}

// =============================================================================
// FAULT INJECTION
// =============================================================================

// wrappedStore routes every unit through wrap. With atomic=false the unit
// writes straight to the store, like a backend without transactions.
type wrappedStore struct {
	*store.Memory
	wrap   func(ledger.Repository) ledger.Repository
	atomic bool
}

func (w wrappedStore) WithTx(ctx context.Context, fn func(ledger.Repository) error) error {
	if !w.atomic {
		return fn(w.wrap(w.Memory))
	}
	return w.Memory.WithTx(ctx, func(r ledger.Repository) error { return fn(w.wrap(r)) })
}

var errDisk = errors.New("disk I/O error")

type failingApply struct{ ledger.Repository }

func (failingApply) ApplyMatch(context.Context, string, string) error { return errDisk }

type failingFunding struct{ ledger.Repository }

func (failingFunding) UpdateSubscriptionFunding(context.Context, ledger.Subscription) error {
	return errDisk
}

// cancelAfterInsert cancels the request right after the suggested row lands.
type cancelAfterInsert struct {
	ledger.Repository
	cancel context.CancelFunc
}

func (c cancelAfterInsert) InsertMatch(ctx context.Context, m ledger.ReconciliationMatch) error {
	err := c.Repository.InsertMatch(ctx, m)
	c.cancel()
	return err
}

type recordingNotifier struct {
	paid []string
	err  error
}

func (n *recordingNotifier) InvoicePaid(_ context.Context, inv ledger.Invoice) error {
	n.paid = append(n.paid, inv.ID)
	return n.err
}

package matching_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/matching"
)

func TestSweeper_RemovesOnlyStaleManualSuggestions(t *testing.T) {
	// GIVEN: an old manual suggestion, a fresh one, and an old auto suggestion
	// WHEN: the sweeper runs
	// THEN: only the old manual row goes
	f := newFixture(t)
	f.tx("bt-1", "1000", "USD")
	f.invoice("inv-1", "1000", "USD")
	f.invoice("inv-2", "1000", "USD")
	insertSuggestion(t, f, "old-manual", "bt-1", "inv-1", "100", ledger.SourceManual)
	insertSuggestion(t, f, "old-auto", "bt-1", "inv-2", "100", ledger.SourceAuto)
	require.NoError(t, f.mem.InsertMatch(f.ctx, ledger.ReconciliationMatch{
		ID: "fresh-manual", BankTransactionID: "bt-1", InvoiceID: "inv-2",
		MatchType: ledger.MatchPartial.Manual(), MatchedAmount: amt("50"),
		Status: ledger.MatchSuggested, Source: ledger.SourceManual, CreatedAt: time.Now().UTC(),
	}))

	s := matching.NewSweeper(f.mem, f.engine(), zap.NewNop())
	s.Audit = audit.NewRecorder(f.mem, zap.NewNop())
	s.TTL = 15 * time.Minute

	report, err := s.RunOnce(f.ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"old-manual"}, report.Deleted)
	assert.Equal(t, []string{"bt-1"}, report.Transactions)

	ids := []string{}
	for _, m := range f.matches("bt-1") {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"old-auto", "fresh-manual"}, ids)
	assert.Len(t, f.auditFor(ledger.AuditSuggestionsSwept), 1)
}

func TestSweeper_RecomputesAffectedTransactions(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mem.SaveBankTransaction(f.ctx, ledger.BankTransaction{
		ID: "bt-1", Amount: amt("1000"), Currency: "USD",
		Status: ledger.TxPartiallyMatched, MatchedInvoiceIDs: []string{"inv-1"},
	}))
	f.invoice("inv-1", "1000", "USD")
	insertSuggestion(t, f, "orphan", "bt-1", "inv-1", "100", ledger.SourceManual)

	s := matching.NewSweeper(f.mem, f.engine(), nil)
	_, err := s.RunOnce(f.ctx)
	require.NoError(t, err)

	txn := f.getTx("bt-1")
	assert.Equal(t, ledger.TxUnmatched, txn.Status)
	assert.Empty(t, txn.MatchedInvoiceIDs)
}

func TestSweeper_LeavesApprovedMatches(t *testing.T) {
	f := newFixture(t)
	f.tx("bt-1", "1000", "USD")
	f.invoice("inv-1", "1000", "USD")
	insertSuggestion(t, f, "s-1", "bt-1", "inv-1", "1000", ledger.SourceManual)
	require.NoError(t, f.mem.ApplyMatch(f.ctx, "s-1", "staff-1"))

	report, err := matching.NewSweeper(f.mem, nil, nil).RunOnce(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Deleted)
	assert.Len(t, f.matches("bt-1", ledger.MatchApproved), 1)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	f.tx("bt-1", "1000", "USD")
	f.invoice("inv-1", "1000", "USD")
	insertSuggestion(t, f, "orphan", "bt-1", "inv-1", "100", ledger.SourceManual)

	s := matching.NewSweeper(f.mem, f.engine(), nil)
	s.Interval = 10 * time.Millisecond
	s.Start()
	s.Start() // second start is a no-op

	assert.Eventually(t, func() bool {
		return len(f.matches("bt-1")) == 0
	}, time.Second, 10*time.Millisecond)

	s.Stop()
	s.Stop()
}

func TestSweeper_DisabledDoesNotStart(t *testing.T) {
	f := newFixture(t)
	f.tx("bt-1", "1000", "USD")
	f.invoice("inv-1", "1000", "USD")
	insertSuggestion(t, f, "orphan", "bt-1", "inv-1", "100", ledger.SourceManual)

	s := matching.NewSweeper(f.mem, nil, nil)
	s.Enabled = false
	s.Interval = 5 * time.Millisecond
	s.Start()
	time.Sleep(30 * time.Millisecond)
	s.Stop()

	assert.Len(t, f.matches("bt-1"), 1)
}

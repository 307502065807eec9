/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Manual match response contract (200 / 207 / 4xx / 500)
- Actor middleware
- Approve / reject / recompute / propagate endpoints
- Import, audit and sweep admin endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/recon-engine/audit"
	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/ledger/store"
	"github.com/warp/recon-engine/matching"
)

// =============================================================================
// HARNESS
// =============================================================================

type harness struct {
	t      *testing.T
	mem    *store.Memory
	router http.Handler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem := store.NewMemory()
	recorder := audit.NewRecorder(mem, zap.NewNop())
	engine := matching.NewEngine(mem, matching.WithAudit(recorder))
	sweeper := matching.NewSweeper(mem, engine, zap.NewNop())
	sweeper.Audit = recorder

	h := NewHandler(mem, engine, sweeper, zap.NewNop())
	return &harness{t: t, mem: mem, router: NewRouter(h, []string{"*"})}
}

func (h *harness) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(ActorHeader, actor)
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(body map[string]any) {
	h.t.Helper()
	rec := h.do(http.MethodPost, "/api/admin/import", "ops-1", body)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (h *harness) seedPair(txAmount, txCurrency, invoiceTotal, invoiceCurrency string) {
	h.seed(map[string]any{
		"bank_transactions": []map[string]any{{"id": "bt-1", "amount": txAmount, "currency": txCurrency, "value_date": "2025-03-01"}},
		"invoices":          []map[string]any{{"id": "inv-1", "invoice_number": "INV-0001", "total": invoiceTotal, "currency": invoiceCurrency}},
	})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// MANUAL MATCH
// =============================================================================

func TestCreateManualMatch_Exact(t *testing.T) {
	// GIVEN: a 1000 USD payment and a 1000 USD invoice
	// WHEN: staff match them
	// THEN: 200 with the full response contract
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1", "notes": "wire ref 42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[AppliedMatchResponse](t, rec)
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.MatchID)
	assert.Equal(t, "manual_exact", body.MatchType)
	assert.True(t, body.AppliedAmount.Equal(dec("1000")))
	assert.Equal(t, "matched", body.BankTransaction.Status)
	assert.Equal(t, []string{"inv-1"}, body.BankTransaction.MatchedInvoiceIDs)
	assert.Equal(t, "paid", body.Invoice.Status)
	assert.True(t, body.Invoice.BalanceDue.IsZero())
	require.Len(t, body.Matches, 1)
	assert.Equal(t, "approved", body.Matches[0].Status)
	assert.Equal(t, "staff-1", body.Matches[0].ApprovedBy)
	assert.True(t, body.TotalMatchedAmount.Equal(dec("1000")))
	assert.False(t, body.PropagationFailed)
}

func TestCreateManualMatch_RequestedAmountClamps(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1", "matched_amount": 300,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[AppliedMatchResponse](t, rec)
	assert.Equal(t, "manual_partial", body.MatchType)
	assert.True(t, body.AppliedAmount.Equal(dec("300")))
	assert.Equal(t, "partially_matched", body.BankTransaction.Status)
	assert.Equal(t, "partially_paid", body.Invoice.Status)
	assert.True(t, body.Invoice.BalanceDue.Equal(dec("700")))
}

func TestCreateManualMatch_RequiresActor(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")

	rec := h.do(http.MethodPost, "/api/match/manual", "", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	matches, err := h.mem.ListMatchesByTransaction(context.Background(), "bt-1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCreateManualMatch_ValidationErrors(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{"bank_transaction_id": "bt-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "InvoiceID")

	rec = h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1", "matched_amount": "abc",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateManualMatch_NotFound(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-404",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
}

func TestCreateManualMatch_CurrencyMismatch(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "EUR")

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "currency mismatch")

	matches, err := h.mem.ListMatchesByTransaction(context.Background(), "bt-1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestCreateManualMatch_AlreadyPaidInvoice(t *testing.T) {
	h := newHarness(t)
	h.seedPair("2000", "USD", "1000", "USD")

	first := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	})
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "manual_split", decode[AppliedMatchResponse](t, first).MatchType)

	second := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	})
	assert.Equal(t, http.StatusBadRequest, second.Code)
}

func TestCreateManualMatch_PropagationFailureIs207(t *testing.T) {
	// GIVEN: a principal fee pointing at a subscription that does not exist
	// WHEN: the payment settles the invoice
	// THEN: 207, the money is booked, propagation_failed is set
	h := newHarness(t)
	h.seedPair("5000", "USD", "5000", "USD")
	h.seed(map[string]any{
		"fee_events": []map[string]any{{
			"id": "fee-1", "invoice_id": "inv-1", "allocation_id": "sub-ghost",
			"fee_type": "subscription", "computed_amount": "5000",
		}},
	})

	rec := h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	body := decode[AppliedMatchResponse](t, rec)
	assert.True(t, body.Success)
	assert.True(t, body.PropagationFailed)
	assert.Contains(t, body.Error, "sub-ghost")
	assert.Equal(t, "paid", body.Invoice.Status)

	inv, err := h.mem.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, inv.Status)
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

func (h *harness) suggestion(id, amount string) {
	h.t.Helper()
	require.NoError(h.t, h.mem.InsertMatch(context.Background(), ledger.ReconciliationMatch{
		ID: id, BankTransactionID: "bt-1", InvoiceID: "inv-1",
		MatchType: ledger.MatchExact, MatchedAmount: dec(amount), MatchConfidence: 92,
		Status: ledger.MatchSuggested, Source: ledger.SourceAuto, CreatedAt: time.Now().UTC(),
	}))
}

func TestApproveMatch_OnceOnly(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")
	h.suggestion("s-1", "1000")

	rec := h.do(http.MethodPost, "/api/matches/s-1/approve", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode[AppliedMatchResponse](t, rec)
	assert.Equal(t, "s-1", body.MatchID)
	assert.False(t, body.AlreadyApplied)

	again := h.do(http.MethodPost, "/api/matches/s-1/approve", "staff-2", nil)
	require.Equal(t, http.StatusOK, again.Code)
	assert.True(t, decode[AppliedMatchResponse](t, again).AlreadyApplied)

	inv, err := h.mem.GetInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.True(t, inv.PaidAmount.Equal(dec("1000")), "credited once")

	reject := h.do(http.MethodPost, "/api/matches/s-1/reject", "staff-1", nil)
	assert.Equal(t, http.StatusBadRequest, reject.Code)
}

func TestRejectMatch(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")
	h.suggestion("s-1", "1000")

	rec := h.do(http.MethodPost, "/api/matches/s-1/reject", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "rejected", decode[MatchDTO](t, rec).Status)

	approve := h.do(http.MethodPost, "/api/matches/s-1/approve", "staff-1", nil)
	assert.Equal(t, http.StatusBadRequest, approve.Code)

	missing := h.do(http.MethodPost, "/api/matches/nope/reject", "staff-1", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

// =============================================================================
// RECORDS
// =============================================================================

func TestGetBankTransaction_ShowsRemaining(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "600", "USD")
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	}).Code)

	rec := h.do(http.MethodGet, "/api/bank-transactions/bt-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[BankTransactionResponse](t, rec)
	assert.Equal(t, "partially_matched", body.BankTransaction.Status)
	assert.Equal(t, "2025-03-01T00:00:00Z", body.BankTransaction.ValueDate)
	assert.True(t, body.TotalMatchedAmount.Equal(dec("600")))
	assert.True(t, body.RemainingAmount.Equal(dec("400")))
	require.Len(t, body.Matches, 1)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/api/bank-transactions/nope", "", nil).Code)
}

func TestRecomputeTransaction_Heals(t *testing.T) {
	h := newHarness(t)
	h.seed(map[string]any{
		"invoices": []map[string]any{{"id": "inv-1", "total": "1000", "currency": "USD"}},
	})
	require.NoError(t, h.mem.SaveBankTransaction(context.Background(), ledger.BankTransaction{
		ID: "bt-1", Amount: dec("1000"), Currency: "USD",
		Status: ledger.TxMatched, MatchedInvoiceIDs: []string{"inv-1"},
	}))

	rec := h.do(http.MethodPost, "/api/bank-transactions/bt-1/recompute", "staff-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[BankTransactionResponse](t, rec)
	assert.True(t, body.Healed)
	assert.Equal(t, "unmatched", body.BankTransaction.Status)
	assert.Empty(t, body.BankTransaction.MatchedInvoiceIDs)
}

func TestGetInvoiceAndPropagate(t *testing.T) {
	h := newHarness(t)
	h.seedPair("5000", "USD", "5000", "USD")
	h.seed(map[string]any{
		"subscriptions": []map[string]any{{"id": "sub-1", "status": "committed", "commitment": "10000"}},
		"fee_events": []map[string]any{{
			"id": "fee-1", "invoice_id": "inv-1", "allocation_id": "sub-1",
			"fee_type": "subscription", "computed_amount": "5000",
		}},
	})

	unpaid := h.do(http.MethodPost, "/api/invoices/inv-1/propagate", "staff-1", nil)
	assert.Equal(t, http.StatusBadRequest, unpaid.Code)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	}).Code)

	rec := h.do(http.MethodGet, "/api/invoices/inv-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[InvoiceResponse](t, rec)
	assert.Equal(t, "paid", inv.Invoice.Status)
	assert.NotEmpty(t, inv.Invoice.PaidAt)
	assert.Len(t, inv.Matches, 1)

	// Already propagated during the match: a retry is a no-op.
	retry := h.do(http.MethodPost, "/api/invoices/inv-1/propagate", "staff-1", nil)
	require.Equal(t, http.StatusOK, retry.Code, retry.Body.String())
	assert.True(t, decode[PropagationDTO](t, retry).AlreadyDone)

	sub, err := h.mem.GetSubscription(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.True(t, sub.FundedAmount.Equal(dec("5000")))
	assert.Equal(t, ledger.SubPartiallyFunded, sub.Status)
}

// =============================================================================
// AUDIT / ADMIN
// =============================================================================

func TestListAudit_FiltersByEntity(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/api/match/manual", "staff-1", map[string]any{
		"bank_transaction_id": "bt-1", "invoice_id": "inv-1",
	}).Code)

	rec := h.do(http.MethodGet, "/api/audit?entity_type=invoice&entity_id=inv-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	entries := decode[[]AuditEntryDTO](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "match_applied", entries[0].Action)
	assert.Equal(t, "staff-1", entries[0].ActorID)

	bad := h.do(http.MethodGet, "/api/audit?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestImport_RejectsInvalidRecords(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/api/admin/import", "ops-1", map[string]any{
		"invoices": []map[string]any{{"id": "inv-1", "total": "100", "currency": "US"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/import", "ops-1", map[string]any{
		"subscriptions": []map[string]any{{"id": "sub-1", "status": "dormant"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/api/admin/import", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestImport_RejectsMissingAmounts(t *testing.T) {
	// GIVEN: records whose amounts are absent or zero
	// WHEN: imported
	// THEN: 400, and nothing lands as a zero amount
	h := newHarness(t)

	cases := map[string]map[string]any{
		"transaction without amount": {
			"bank_transactions": []map[string]any{{"id": "bt-1", "currency": "USD"}},
		},
		"transaction with zero amount": {
			"bank_transactions": []map[string]any{{"id": "bt-1", "amount": "0", "currency": "USD"}},
		},
		"invoice without total": {
			"invoices": []map[string]any{{"id": "inv-1", "currency": "USD"}},
		},
		"principal fee without amount": {
			"fee_events": []map[string]any{{
				"id": "fee-1", "invoice_id": "inv-1", "allocation_id": "sub-1", "fee_type": "subscription",
			}},
		},
		"principal fee with zero amount": {
			"fee_events": []map[string]any{{
				"id": "fee-1", "invoice_id": "inv-1", "allocation_id": "sub-1",
				"fee_type": "subscription", "computed_amount": "0",
			}},
		},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/api/admin/import", "ops-1", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	_, err := h.mem.GetBankTransaction(context.Background(), "bt-1")
	assert.True(t, ledger.IsNotFound(err))
	fees, err := h.mem.ListFeeEventsByInvoice(context.Background(), "inv-1")
	require.NoError(t, err)
	assert.Empty(t, fees)
}

func TestSweep_RemovesStaleManualSuggestion(t *testing.T) {
	h := newHarness(t)
	h.seedPair("1000", "USD", "1000", "USD")
	require.NoError(t, h.mem.InsertMatch(context.Background(), ledger.ReconciliationMatch{
		ID: "orphan", BankTransactionID: "bt-1", InvoiceID: "inv-1",
		MatchType: ledger.MatchExact.Manual(), MatchedAmount: dec("1000"),
		Status: ledger.MatchSuggested, Source: ledger.SourceManual,
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	rec := h.do(http.MethodPost, "/api/admin/sweep", "ops-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode[SweepResponse](t, rec)
	assert.Equal(t, []string{"orphan"}, body.Deleted)
	assert.Equal(t, []string{"bt-1"}, body.Transactions)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestStatusFor(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", &ledger.NotFoundError{Entity: "invoice", ID: "x"}, http.StatusNotFound},
		{"currency", &ledger.CurrencyMismatchError{TransactionCurrency: "USD", InvoiceCurrency: "EUR"}, http.StatusBadRequest},
		{"no funds", ledger.ErrNoRemainingFunds, http.StatusBadRequest},
		{"zero", ledger.ErrZeroAmount, http.StatusBadRequest},
		{"conflict", ledger.ErrConcurrentModification, http.StatusConflict},
		{"over allocation", ledger.ErrOverAllocation, http.StatusConflict},
		{"apply wraps client error", &ledger.ApplyError{MatchID: "m", Err: ledger.ErrNoRemainingFunds}, http.StatusInternalServerError},
		{"propagation wraps not found", &ledger.PropagationError{InvoiceID: "i", Err: &ledger.NotFoundError{Entity: "subscription", ID: "s"}}, http.StatusInternalServerError},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, statusFor(tc.err))
		})
	}
}

package ledger_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/money"
)

var applyAt = time.Date(2025, time.March, 3, 10, 0, 0, 0, time.UTC)

func applyInput(txAmount, invTotal, invPaid, matchAmount string) ledger.ApplyInput {
	return ledger.ApplyInput{
		Match: ledger.ReconciliationMatch{
			ID: "m-new", BankTransactionID: "bt-1", InvoiceID: "inv-1",
			MatchedAmount: money.MustAmount(matchAmount), Status: ledger.MatchSuggested,
		},
		Invoice: ledger.Invoice{
			ID: "inv-1", Currency: "USD", Status: ledger.InvoiceSent,
			Total: money.MustAmount(invTotal), PaidAmount: money.MustAmount(invPaid),
		},
		Transaction: ledger.BankTransaction{ID: "bt-1", Currency: "USD", Amount: money.MustAmount(txAmount)},
		At:          applyAt,
	}
}

func TestInvoice_Remaining(t *testing.T) {
	inv := ledger.Invoice{Total: money.MustAmount("1000"), PaidAmount: money.MustAmount("250")}
	assert.True(t, inv.Remaining().Equal(money.MustAmount("750")))

	inv.PaidAmount = money.MustAmount("1200")
	assert.True(t, inv.Remaining().IsZero(), "balance due never goes negative")

	inv.BalanceDue = decimal.NewNullDecimal(money.MustAmount("42"))
	assert.True(t, inv.Remaining().Equal(money.MustAmount("42")), "stored balance due wins")
}

func TestPlanApply_PartialPayment(t *testing.T) {
	inv, err := ledger.PlanApply(applyInput("400", "1000", "0", "400"))
	require.NoError(t, err)

	assert.True(t, inv.PaidAmount.Equal(money.MustAmount("400")))
	assert.True(t, inv.BalanceDue.Decimal.Equal(money.MustAmount("600")))
	assert.Equal(t, ledger.InvoicePartiallyPaid, inv.Status)
	assert.Equal(t, ledger.InvoicePartiallyMatched, inv.MatchStatus)
	assert.Nil(t, inv.PaidAt)
}

func TestPlanApply_FullPaymentMarksPaidOnce(t *testing.T) {
	inv, err := ledger.PlanApply(applyInput("1000", "1000", "400", "600"))
	require.NoError(t, err)

	assert.Equal(t, ledger.InvoicePaid, inv.Status)
	assert.Equal(t, ledger.InvoiceMatched, inv.MatchStatus)
	assert.True(t, inv.BalanceDue.Decimal.IsZero())
	require.NotNil(t, inv.PaidAt)
	assert.Equal(t, applyAt, *inv.PaidAt)
}

func TestPlanApply_PennySlackCountsAsPaid(t *testing.T) {
	inv, err := ledger.PlanApply(applyInput("1000", "1000", "0", "999.99"))
	require.NoError(t, err)
	assert.Equal(t, ledger.InvoicePaid, inv.Status)
	assert.True(t, inv.BalanceDue.Decimal.Equal(money.MustAmount("0.01")))
}

func TestPlanApply_RejectsOverAllocation(t *testing.T) {
	// Invoice side: 1000 total, 900 paid, 200 more would overpay.
	_, err := ledger.PlanApply(applyInput("5000", "1000", "900", "200"))
	assert.ErrorIs(t, err, ledger.ErrOverAllocation)

	// Transaction side: 500 transaction already has 400 approved.
	in := applyInput("500", "1000", "0", "200")
	in.TransactionApproved = []ledger.ReconciliationMatch{approved("m-old", "inv-9", "400")}
	_, err = ledger.PlanApply(in)
	assert.ErrorIs(t, err, ledger.ErrOverAllocation)
}

func TestPlanApply_RejectsNonSuggested(t *testing.T) {
	in := applyInput("1000", "1000", "0", "100")
	in.Match.Status = ledger.MatchRejected
	_, err := ledger.PlanApply(in)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestPlanApply_RejectsCurrencyMismatch(t *testing.T) {
	in := applyInput("1000", "1000", "0", "100")
	in.Transaction.Currency = "EUR"
	_, err := ledger.PlanApply(in)
	assert.ErrorIs(t, err, ledger.ErrCurrencyMismatch)
}

func TestPlanApply_DoesNotMutateInput(t *testing.T) {
	in := applyInput("1000", "1000", "0", "100")
	_, err := ledger.PlanApply(in)
	require.NoError(t, err)
	assert.True(t, in.Invoice.PaidAmount.IsZero())
	assert.Equal(t, ledger.InvoiceSent, in.Invoice.Status)
}

func TestInvoice_Validate(t *testing.T) {
	inv := ledger.Invoice{ID: "inv-1", Currency: "USD", Total: money.MustAmount("10")}
	assert.NoError(t, inv.Validate())

	inv.Total = decimal.Zero
	assert.ErrorIs(t, inv.Validate(), ledger.ErrInvalidRecord)
}

func TestInvoice_Validate_BalanceDueMustFollowTotalLessPaid(t *testing.T) {
	inv := ledger.Invoice{
		ID: "inv-1", Currency: "USD",
		Total: money.MustAmount("1000"), PaidAmount: money.MustAmount("400"),
	}

	inv.BalanceDue = decimal.NewNullDecimal(money.MustAmount("600"))
	assert.NoError(t, inv.Validate())

	inv.BalanceDue = decimal.NewNullDecimal(money.MustAmount("599.995"))
	assert.NoError(t, inv.Validate(), "within a penny")

	inv.BalanceDue = decimal.NewNullDecimal(money.MustAmount("200"))
	assert.ErrorIs(t, inv.Validate(), ledger.ErrInvalidRecord)
}

func TestPlanApply_RejectsDriftedBalanceDue(t *testing.T) {
	// GIVEN: a 1000 invoice with nothing paid but a stored balance of 600
	// WHEN: a 600 match is planned against it
	// THEN: the drifted record is refused instead of being half-applied
	in := applyInput("1000", "1000", "0", "600")
	in.Invoice.BalanceDue = decimal.NewNullDecimal(money.MustAmount("600"))

	_, err := ledger.PlanApply(in)

	assert.ErrorIs(t, err, ledger.ErrInvalidRecord)
}

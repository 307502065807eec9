/*
classifier.go - Decides how much to allocate and what kind of match it is

PURPOSE:
  Pure function over current balances. Given what is left on the bank
  transaction and on the invoice, it picks the amount to apply and labels
  the match by which side(s) it fully consumes.

ALGORITHM:
  1. R_t <= tolerance               -> ErrNoRemainingFunds
     R_i <= tolerance               -> ErrInvoiceAlreadyPaid
  2. currencies differ              -> ErrCurrencyMismatch
  3. A = min(R_i, R_t), then min(A, requested) when requested > 0
  4. A rounded to cents; A <= tolerance -> ErrZeroAmount
  5. Type, first match wins:
       exact     A pays the invoice AND consumes the transaction
       split     A pays the invoice, transaction keeps a remainder
       combined  A consumes the transaction, invoice stays open
       partial   neither

SEE ALSO:
  - engine.go: Calls Classify inside the apply unit
  - money/money.go: Tolerance, RoundCurrency
*/
package matching

import (
	"github.com/shopspring/decimal"

	"github.com/warp/recon-engine/ledger"
	"github.com/warp/recon-engine/money"
)

// ClassifyInput is a snapshot of both sides of a prospective match.
type ClassifyInput struct {
	TransactionAmount   decimal.Decimal
	Allocated           decimal.Decimal // approved matches already on the transaction
	InvoiceRemaining    decimal.Decimal
	TransactionCurrency string
	InvoiceCurrency     string
	Requested           *decimal.Decimal // optional; ignored unless positive
}

type Classification struct {
	Amount               decimal.Decimal
	Type                 ledger.MatchType
	TransactionRemaining decimal.Decimal // before applying Amount
	InvoiceRemaining     decimal.Decimal // before applying Amount
}

// Classify computes the applied amount and match type.
func Classify(in ClassifyInput) (Classification, error) {
	remainingTx := in.TransactionAmount.Sub(in.Allocated)
	remainingInv := in.InvoiceRemaining

	if money.IsDust(remainingTx) {
		return Classification{}, ledger.ErrNoRemainingFunds
	}
	if money.IsDust(remainingInv) {
		return Classification{}, ledger.ErrInvoiceAlreadyPaid
	}
	if in.TransactionCurrency != in.InvoiceCurrency {
		return Classification{}, &ledger.CurrencyMismatchError{
			TransactionCurrency: in.TransactionCurrency,
			InvoiceCurrency:     in.InvoiceCurrency,
		}
	}

	amount := money.Min(remainingInv, remainingTx)
	if in.Requested != nil && in.Requested.IsPositive() {
		amount = money.Min(amount, *in.Requested)
	}
	amount = money.RoundCurrency(amount)
	if money.IsDust(amount) {
		return Classification{}, ledger.ErrZeroAmount
	}

	paysInvoice := money.NearlyEqual(amount, remainingInv)
	consumesTx := money.NearlyEqual(in.Allocated.Add(amount), in.TransactionAmount)

	var t ledger.MatchType
	switch {
	case paysInvoice && consumesTx:
		t = ledger.MatchExact
	case paysInvoice:
		t = ledger.MatchSplit
	case consumesTx:
		t = ledger.MatchCombined
	default:
		t = ledger.MatchPartial
	}

	return Classification{
		Amount:               amount,
		Type:                 t,
		TransactionRemaining: remainingTx,
		InvoiceRemaining:     remainingInv,
	}, nil
}

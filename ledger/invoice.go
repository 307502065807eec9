package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/recon-engine/money"
)

// Invoice is an amount owed by an investor. PaidAmount and Status change
// only through approved matches.
type Invoice struct {
	ID            string
	InvoiceNumber string
	Total         decimal.Decimal
	PaidAmount    decimal.Decimal
	BalanceDue    decimal.NullDecimal // derived when not stored
	Currency      string
	Status        InvoiceStatus
	MatchStatus   InvoiceMatchStatus
	PaidAt        *time.Time
	InvestorID    string
	DealID        string

	Version   int64
	UpdatedAt time.Time
}

// Validate checks the record at the repository boundary.
func (inv Invoice) Validate() error {
	switch {
	case inv.ID == "":
		return fmt.Errorf("%w: invoice id is required", ErrInvalidRecord)
	case len(inv.Currency) != 3:
		return fmt.Errorf("%w: invoice %s has invalid currency %q", ErrInvalidRecord, inv.ID, inv.Currency)
	case !inv.Total.IsPositive():
		return fmt.Errorf("%w: invoice %s total must be positive", ErrInvalidRecord, inv.ID)
	case inv.PaidAmount.IsNegative():
		return fmt.Errorf("%w: invoice %s paid amount is negative", ErrInvalidRecord, inv.ID)
	case inv.Status != "" && !inv.Status.Valid():
		return fmt.Errorf("%w: invoice %s has unknown status %q", ErrInvalidRecord, inv.ID, inv.Status)
	case inv.BalanceDue.Valid && !money.NearlyEqual(inv.BalanceDue.Decimal, computeBalanceDue(inv.Total, inv.PaidAmount)):
		return fmt.Errorf("%w: invoice %s balance due %s does not match total %s less paid %s",
			ErrInvalidRecord, inv.ID, inv.BalanceDue.Decimal, inv.Total, inv.PaidAmount)
	}
	return nil
}

// Remaining returns the balance still owed: the stored balance due when
// present, else max(total - paid, 0). Validate keeps the two within
// tolerance of each other.
func (inv Invoice) Remaining() decimal.Decimal {
	if inv.BalanceDue.Valid {
		return money.Max(inv.BalanceDue.Decimal, decimal.Zero)
	}
	return computeBalanceDue(inv.Total, inv.PaidAmount)
}

func (inv Invoice) IsPaid() bool {
	return inv.Status == InvoicePaid
}

func computeBalanceDue(total, paid decimal.Decimal) decimal.Decimal {
	return money.Max(total.Sub(paid), decimal.Zero)
}

// =============================================================================
// APPLY PLANNING - shared by every store's ApplyMatch primitive
// =============================================================================

// ApplyInput is the current truth an apply is validated against.
type ApplyInput struct {
	Match       ReconciliationMatch
	Invoice     Invoice
	Transaction BankTransaction
	// Approved matches already on the transaction (the match itself excluded).
	TransactionApproved []ReconciliationMatch
	At                  time.Time
}

// PlanApply validates a suggested match against both conservation bounds
// and returns the invoice as it must look after the apply. It never mutates
// its input.
func PlanApply(in ApplyInput) (Invoice, error) {
	m := in.Match
	if err := in.Invoice.Validate(); err != nil {
		return Invoice{}, err
	}
	if m.Status != MatchSuggested {
		return Invoice{}, fmt.Errorf("%w: match %s is %s, not suggested", ErrInvalidState, m.ID, m.Status)
	}
	if !m.MatchedAmount.IsPositive() {
		return Invoice{}, fmt.Errorf("%w: match %s amount must be positive", ErrInvalidRecord, m.ID)
	}
	if in.Invoice.Currency != in.Transaction.Currency {
		return Invoice{}, &CurrencyMismatchError{
			TransactionCurrency: in.Transaction.Currency,
			InvoiceCurrency:     in.Invoice.Currency,
		}
	}
	if in.Invoice.Status == InvoiceVoid {
		return Invoice{}, fmt.Errorf("%w: invoice %s is void", ErrInvalidState, in.Invoice.ID)
	}

	allocated := SumMatched(ExcludeMatch(in.TransactionApproved, m.ID)).Add(m.MatchedAmount)
	if allocated.GreaterThan(in.Transaction.Amount.Add(money.Tolerance())) {
		return Invoice{}, fmt.Errorf("%w: transaction %s would allocate %s of %s",
			ErrOverAllocation, in.Transaction.ID, allocated, in.Transaction.Amount)
	}

	inv := in.Invoice
	paid := inv.PaidAmount.Add(m.MatchedAmount)
	if paid.GreaterThan(inv.Total.Add(money.Tolerance())) {
		return Invoice{}, fmt.Errorf("%w: invoice %s would be paid %s of %s",
			ErrOverAllocation, inv.ID, paid, inv.Total)
	}

	balance := computeBalanceDue(inv.Total, paid)
	inv.PaidAmount = paid
	inv.BalanceDue = decimal.NewNullDecimal(balance)
	inv.MatchStatus = InvoicePartiallyMatched
	if money.IsDust(balance) {
		inv.MatchStatus = InvoiceMatched
		if inv.Status != InvoicePaid {
			at := in.At
			inv.PaidAt = &at
		}
		inv.Status = InvoicePaid
	} else {
		inv.Status = InvoicePartiallyPaid
	}
	inv.UpdatedAt = in.At
	return inv, nil
}
